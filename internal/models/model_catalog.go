package models

import "time"

// Catalog rows are owned by collaborator services; the engine keeps the
// minimal columns it needs to price, gate, and settle operations.

type Post struct {
	ID          string    `gorm:"column:id;primary_key;type:varchar(64)" json:"id"`
	CreatorID   string    `gorm:"column:creator_id;type:varchar(64);not null;index" json:"creator_id"`
	Title       string    `gorm:"column:title;type:varchar(255)" json:"title"`
	PointsPrice int64     `gorm:"column:points_price;type:bigint;not null;default:0" json:"points_price"`
	IsAdult     bool      `gorm:"column:is_adult;not null;default:false" json:"is_adult"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Post) TableName() string { return "post" }

type Plan struct {
	ID              string    `gorm:"column:id;primary_key;type:varchar(64)" json:"id"`
	CreatorID       string    `gorm:"column:creator_id;type:varchar(64);not null;index" json:"creator_id"`
	Name            string    `gorm:"column:name;type:varchar(255)" json:"name"`
	PointsPrice     int64     `gorm:"column:points_price;type:bigint;not null" json:"points_price"`
	SubscriberCount int64     `gorm:"column:subscriber_count;type:bigint;not null;default:0" json:"subscriber_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Plan) TableName() string { return "plan" }

type Creator struct {
	ID          string `gorm:"column:id;primary_key;type:varchar(64)" json:"id"`
	DisplayName string `gorm:"column:display_name;type:varchar(255)" json:"display_name"`
	IsAdult     bool   `gorm:"column:is_adult;not null;default:false" json:"is_adult"`
	// EarnedTotal is the payee aggregate, bumped atomically with audit log
	// completion.
	EarnedTotal int64     `gorm:"column:earned_total;type:bigint;not null;default:0" json:"earned_total"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Creator) TableName() string { return "creator" }
