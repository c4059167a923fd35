// Command seed fills a local database with demo users, appointments,
// and a sample conversation for development. Never run it against a
// production database.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"clinichat/internal/config"
	"clinichat/pkg/directory"
	"clinichat/pkg/domain"
	"clinichat/pkg/store"
)

type seedUser struct {
	name  string
	email string
	role  domain.UserRole
}

var demoUsers = []seedUser{
	{"Dr. Elena Vargas", "elena.vargas@clinic.example", domain.RoleDoctor},
	{"Dr. Tomas Rios", "tomas.rios@clinic.example", domain.RoleDoctor},
	{"Maria Lopez", "maria.lopez@mail.example", domain.RolePatient},
	{"Jorge Castillo", "jorge.castillo@mail.example", domain.RolePatient},
	{"Ana Flores", "ana.flores@mail.example", domain.RolePatient},
}

// seedUserRow writes the columns the identity service owns, which the
// messaging directory deliberately does not map.
type seedUserRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Email        string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (seedUserRow) TableName() string { return "user_models" }

var demoDialogue = []string{
	"Hello, how have you been feeling on the new medication?",
	"Hi doctor, a lot better. My blood pressure has come down.",
	"Great news. Any side effects?",
	"Some dizziness in the mornings, nothing serious.",
	"That is common in the first days. Let me know if it lasts more than a week.",
}

func main() {
	configPath := flag.String("config", config.ConfigPath, "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to init store", err)
	}
	db := dataStore.DB()
	if err := db.AutoMigrate(&seedUserRow{}, &directory.AppointmentModel{}); err != nil {
		fatal("failed to migrate directory tables", err)
	}

	users, err := seedUsers(db)
	if err != nil {
		fatal("failed to seed users", err)
	}
	if err := seedAppointments(db, users); err != nil {
		fatal("failed to seed appointments", err)
	}
	if err := seedConversation(dataStore, users); err != nil {
		fatal("failed to seed conversation", err)
	}
	slog.Info("seed complete", "users", len(users))
}

func seedUsers(db *gorm.DB) (map[string]seedUserRow, error) {
	res := make(map[string]seedUserRow, len(demoUsers))
	for _, u := range demoUsers {
		var existing seedUserRow
		err := db.Where("email = ?", u.email).First(&existing).Error
		if err == nil {
			res[u.email] = existing
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
		// The identity service stores bcrypt hashes; demo accounts
		// all use the same throwaway password.
		hash, err := bcrypt.GenerateFromPassword([]byte("demo-password"), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		row := seedUserRow{
			ID:           uuid.NewString(),
			Name:         u.name,
			Email:        u.email,
			Role:         string(u.role),
			PasswordHash: string(hash),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := db.Create(&row).Error; err != nil {
			return nil, err
		}
		res[u.email] = row
	}
	return res, nil
}

func seedAppointments(db *gorm.DB, users map[string]seedUserRow) error {
	pairs := [][2]string{
		{"elena.vargas@clinic.example", "maria.lopez@mail.example"},
		{"elena.vargas@clinic.example", "jorge.castillo@mail.example"},
		{"tomas.rios@clinic.example", "ana.flores@mail.example"},
	}
	for i, pair := range pairs {
		doctor, patient := users[pair[0]], users[pair[1]]
		var count int64
		if err := db.Model(&directory.AppointmentModel{}).
			Where("doctor_id = ? AND patient_id = ?", doctor.ID, patient.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		appt := directory.AppointmentModel{
			ID:        uuid.NewString(),
			DoctorID:  doctor.ID,
			PatientID: patient.ID,
			StartsAt:  time.Now().UTC().Add(time.Duration(i+1) * 24 * time.Hour),
			Status:    "scheduled",
		}
		if err := db.Create(&appt).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedConversation(s *store.GormStore, users map[string]seedUserRow) error {
	doctor := users["elena.vargas@clinic.example"]
	patient := users["maria.lopez@mail.example"]
	conv, created, err := s.GetOrCreateDirect(doctor.ID, patient.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	for i, text := range demoDialogue {
		sender := doctor.ID
		if i%2 == 1 {
			sender = patient.ID
		}
		at := time.Now().UTC().Add(time.Duration(i-len(demoDialogue)) * time.Hour)
		if err := s.AppendMessage(domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       sender,
			Text:           text,
			Type:           domain.MessageText,
			CreatedAt:      at,
			UpdatedAt:      at,
		}); err != nil {
			return err
		}
	}
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
