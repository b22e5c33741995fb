package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type AnalysisRecordModel struct {
	ID             string `gorm:"primaryKey"`
	Identity       int64  `gorm:"not null;index"`
	Persona        string `gorm:"not null"`
	Facet          string `gorm:"not null"`
	Language       string
	Status         string         `gorm:"not null;index"`
	Intermediate   string         `gorm:"type:text"`
	Interpretation string         `gorm:"type:text"`
	ErrorDetail    datatypes.JSON `gorm:"type:jsonb"`
	SessionGroupID string         `gorm:"not null;index"`
	CreditType     string         `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

type CreditBalanceModel struct {
	Identity   int64  `gorm:"primaryKey;autoIncrement:false"`
	CreditType string `gorm:"primaryKey"`
	Amount     int64  `gorm:"not null"`
	UpdatedAt  time.Time
}

type BonusGrantModel struct {
	Identity  int64     `gorm:"primaryKey;autoIncrement:false"`
	GrantKey  string    `gorm:"primaryKey"`
	GrantedAt time.Time `gorm:"not null"`
}

// RejectionCounterModel counts personalized rejection messages issued per
// identity per UTC day. Day rollover is handled by the day column itself.
type RejectionCounterModel struct {
	Identity int64  `gorm:"primaryKey;autoIncrement:false"`
	Day      string `gorm:"primaryKey"`
	Count    int    `gorm:"not null"`
}
