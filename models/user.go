package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Licenses  []License `json:"licenses,omitempty"`
}

// DisplayName falls back to the email address when no name was given.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

func (u User) FindLicense(id string) *License {
	for i := range u.Licenses {
		if u.Licenses[i].ID == id {
			return &u.Licenses[i]
		}
	}
	return nil
}
