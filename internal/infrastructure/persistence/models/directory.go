package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserModel is a local directory user.
type UserModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Email       string    `gorm:"type:varchar(255);index"`
	FirstName   string    `gorm:"type:varchar(100)"`
	LastName    string    `gorm:"type:varchar(100)"`
	PhoneNumber string    `gorm:"type:varchar(50)"`
	JobTitle    string    `gorm:"type:varchar(100)"`
	CompanyID   *int64    `gorm:"column:company_id;index"`
	LocationID  *int64    `gorm:"column:location_id;index"`
	IsActive    bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (UserModel) TableName() string {
	return "users"
}

// CompanyModel is a local organization.
type CompanyModel struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	Title         string          `gorm:"type:varchar(255);index"`
	Description   string          `gorm:"type:text"`
	PhoneNumber   string          `gorm:"type:varchar(50)"`
	WebsiteURL    string          `gorm:"column:website_url;type:varchar(255)"`
	EmployeeCount int64           `gorm:"not null;default:0"`
	AnnualRevenue decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	IsDeactivated bool            `gorm:"not null;default:false"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CompanyModel) TableName() string {
	return "companies"
}

// LocationModel is a local site belonging to a company.
type LocationModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Title     string    `gorm:"type:varchar(255);index"`
	Address   string    `gorm:"type:varchar(255)"`
	City      string    `gorm:"type:varchar(100)"`
	State     string    `gorm:"type:varchar(100)"`
	ZipCode   string    `gorm:"type:varchar(20)"`
	CompanyID *int64    `gorm:"column:company_id;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (LocationModel) TableName() string {
	return "locations"
}
