package users

import (
	"strings"
	"time"
)

// Profile is the public face of a user, shown next to shares and versions.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FullName  string    `gorm:"column:full_name;size:320;not null;default:''"`
	Username  string    `gorm:"column:username;size:190;not null;index:idx_profiles_username"`
	AvatarURL string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	Bio       string    `gorm:"column:bio;type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// UnknownProfile is the placeholder shown when a referenced user has no profile.
func UnknownProfile(userID string) Profile {
	return Profile{
		UserID:   userID,
		FullName: "Unknown",
		Username: "unknown",
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
