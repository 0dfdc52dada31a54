// Package models holds the gorm row shapes backing the gateway's SQL
// source of truth. Keep these aligned with db/migrations/*.sql.
package models

import "time"

// Device is one entry in the IMEI allow-list, the authorisation
// source of truth synced into the Redis set devices:imei:set.
type Device struct {
	IMEI      string    `gorm:"column:imei;primaryKey;type:varchar(20)"`
	Label     *string   `gorm:"column:label;type:text"`
	Protocol  *string   `gorm:"column:protocol;type:varchar(20)"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Device) TableName() string { return "devices" }

// DeviceStatus is the durable counterpart of the devices:status Redis
// hash entry: last known presence and location per IMEI.
type DeviceStatus struct {
	IMEI       string    `gorm:"column:imei;primaryKey;type:varchar(20)"`
	Status     string    `gorm:"column:status;type:varchar(20);not null;default:'DISCONNECTED'"`
	Lat        float64   `gorm:"column:lat"`
	Lon        float64   `gorm:"column:lon"`
	SpeedKmh   float64   `gorm:"column:speed_kmh"`
	CourseDeg  float64   `gorm:"column:course_deg"`
	Acc        bool      `gorm:"column:acc"`
	Satellites int32     `gorm:"column:satellites"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DeviceStatus) TableName() string { return "device_status" }

// CommandQueueEntry is a durable downlink command awaiting dispatch.
// The row is deleted only once the socket write that delivered it has
// succeeded; see presence.Store.AckCommand.
type CommandQueueEntry struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	IMEI      string    `gorm:"column:imei;type:varchar(20);not null;index:idx_command_queue_imei"`
	Command   string    `gorm:"column:command;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_command_queue_imei,priority:2"`
}

func (CommandQueueEntry) TableName() string { return "command_queue" }

// DeviceEvent is a supplemental append-only audit trail of decoded
// frames, written best-effort for operator visibility outside the
// hot path.
type DeviceEvent struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	IMEI      string    `gorm:"column:imei;type:varchar(20);not null;index:idx_device_events_imei"`
	Type      string    `gorm:"column:type;type:varchar(20);not null"`
	RawHex    string    `gorm:"column:raw_hex;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_device_events_imei,priority:2,sort:desc"`
}

func (DeviceEvent) TableName() string { return "device_events" }
