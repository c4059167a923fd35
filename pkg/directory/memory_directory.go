package directory

import (
	"sort"
	"strings"
	"sync"

	"clinichat/pkg/domain"
)

// MemoryDirectory is the in-process Directory used by tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]domain.UserRef
	related map[string]map[string]bool // doctor ID -> patient IDs
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]domain.UserRef),
		related: make(map[string]map[string]bool),
	}
}

// AddUser registers a user ref.
func (d *MemoryDirectory) AddUser(u domain.UserRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// AddAppointment links a doctor and a patient.
func (d *MemoryDirectory) AddAppointment(doctorID, patientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.related[doctorID] == nil {
		d.related[doctorID] = make(map[string]bool)
	}
	d.related[doctorID][patientID] = true
}

func (d *MemoryDirectory) GetUser(id string) (domain.UserRef, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok, nil
}

func (d *MemoryDirectory) GetUsers(ids []string) (map[string]domain.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make(map[string]domain.UserRef, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

func (d *MemoryDirectory) Search(excludeUserID, term string, role domain.UserRole, limit int) ([]domain.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	needle := strings.ToLower(term)
	var res []domain.UserRef
	for _, u := range d.users {
		if u.ID == excludeUserID {
			continue
		}
		if role != "" && u.Role != role {
			continue
		}
		if !strings.Contains(strings.ToLower(u.Name), needle) &&
			!strings.Contains(strings.ToLower(u.Email), needle) {
			continue
		}
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (d *MemoryDirectory) RelatedUsers(userID string, role domain.UserRole) ([]domain.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	switch role {
	case domain.RoleDoctor:
		for patientID := range d.related[userID] {
			ids = append(ids, patientID)
		}
	case domain.RolePatient:
		for doctorID, patients := range d.related {
			if patients[userID] {
				ids = append(ids, doctorID)
			}
		}
	default:
		return []domain.UserRef{}, nil
	}
	res := make([]domain.UserRef, 0, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}
