package database

import (
	"time"

	"github.com/npezzotti/go-community/internal/types"
)

type Account struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	AvatarURL    string
	CreatedAt    time.Time
}

func (a Account) User() types.User {
	return types.User{
		Id:           a.Id,
		Username:     a.Username,
		EmailAddress: a.EmailAddress,
		AvatarURL:    a.AvatarURL,
		CreatedAt:    a.CreatedAt,
	}
}

func (a Account) Profile() types.Profile {
	return types.Profile{Id: a.Id, DisplayName: a.Username, AvatarURL: a.AvatarURL}
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
	AvatarURL    string
}

type CreateNotificationParams struct {
	UserId      string
	Type        types.NotificationType
	Title       string
	Body        string
	ReferenceId string
}
