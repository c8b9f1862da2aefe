package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_user_email,unique" json:"business_id"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	Email      string    `gorm:"size:255;not null;index:uniq_user_email,unique" json:"email"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	Role       UserRole  `gorm:"size:30;not null" json:"role"`
	IsActive   bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	BusinessId string `json:"business_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=8"`
	Role       string `json:"role" binding:"required"`
}

type SignInInput struct {
	BusinessId string `json:"business_id" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
}

func CreateUser(ctx context.Context, input NewUser) (*User, error) {
	db := config.GetDB()
	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	user := User{
		BusinessId: input.BusinessId,
		Name:       input.Name,
		Email:      input.Email,
		Password:   string(hashed),
		Role:       UserRole(input.Role),
		IsActive:   true,
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, utils.ErrorConflict
		}
		return nil, err
	}
	return &user, nil
}

// SignIn verifies credentials and returns a signed token for the user's
// business scope.
func SignIn(ctx context.Context, input SignInInput) (string, *User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).
		Where("business_id = ? AND email = ? AND is_active = true", input.BusinessId, input.Email).
		First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil, utils.ErrorRecordNotFound
		}
		return "", nil, err
	}
	if err := utils.ComparePassword(user.Password, input.Password); err != nil {
		return "", nil, utils.ErrorRecordNotFound
	}
	token, err := utils.JwtGenerate(user.ID, user.Name, string(user.Role), user.BusinessId)
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}
