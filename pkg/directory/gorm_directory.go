package directory

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"clinichat/pkg/domain"
)

// UserModel maps the platform's users table. Password and profile
// columns stay with the identity service; only what the messaging
// surface returns is mapped here.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"uniqueIndex;not null"`
	Role      string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppointmentModel maps the scheduling subsystem's appointments table,
// read only to derive doctor<->patient relationships.
type AppointmentModel struct {
	ID        string `gorm:"primaryKey"`
	DoctorID  string `gorm:"not null;index"`
	PatientID string `gorm:"not null;index"`
	StartsAt  time.Time
	Status    string
}

// GormDirectory reads users and appointments through GORM.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) GetUser(id string) (domain.UserRef, bool, error) {
	var model UserModel
	if err := d.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UserRef{}, false, nil
		}
		return domain.UserRef{}, false, err
	}
	return refFromModel(model), true, nil
}

func (d *GormDirectory) GetUsers(ids []string) (map[string]domain.UserRef, error) {
	res := make(map[string]domain.UserRef, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var models []UserModel
	if err := d.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		res[m.ID] = refFromModel(m)
	}
	return res, nil
}

func (d *GormDirectory) Search(excludeUserID, term string, role domain.UserRole, limit int) ([]domain.UserRef, error) {
	pattern := "%" + strings.ToLower(term) + "%"
	q := d.db.Model(&UserModel{}).
		Where("id <> ?", excludeUserID).
		Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern)
	if role != "" {
		q = q.Where("role = ?", string(role))
	}
	var models []UserModel
	if err := q.Order("name ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return refsFromModels(models), nil
}

func (d *GormDirectory) RelatedUsers(userID string, role domain.UserRole) ([]domain.UserRef, error) {
	var models []UserModel
	switch role {
	case domain.RoleDoctor:
		if err := d.db.Model(&UserModel{}).
			Distinct("user_models.*").
			Joins("JOIN appointment_models a ON a.patient_id = user_models.id").
			Where("a.doctor_id = ?", userID).
			Order("user_models.name ASC").
			Find(&models).Error; err != nil {
			return nil, err
		}
	case domain.RolePatient:
		if err := d.db.Model(&UserModel{}).
			Distinct("user_models.*").
			Joins("JOIN appointment_models a ON a.doctor_id = user_models.id").
			Where("a.patient_id = ?", userID).
			Order("user_models.name ASC").
			Find(&models).Error; err != nil {
			return nil, err
		}
	default:
		return []domain.UserRef{}, nil
	}
	return refsFromModels(models), nil
}

func refFromModel(m UserModel) domain.UserRef {
	return domain.UserRef{
		ID:    m.ID,
		Name:  m.Name,
		Email: m.Email,
		Role:  domain.UserRole(m.Role),
	}
}

func refsFromModels(models []UserModel) []domain.UserRef {
	res := make([]domain.UserRef, 0, len(models))
	for _, m := range models {
		res = append(res, refFromModel(m))
	}
	return res
}
