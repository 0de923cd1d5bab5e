package user

import "go-dm/internal/domain"

type RegisterRequest struct {
	Username        string `json:"username" validate:"required,min=3,max=50"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirm_password" validate:"omitempty,eqfield=Password"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

type ProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=100"`
	Bio         string `json:"bio" validate:"max=500"`
	AvatarURL   string `json:"avatar_url" validate:"omitempty,url,max=255"`
}

type SearchResult struct {
	domain.UserSummary
	Status domain.UserStatus `json:"status"`
}
