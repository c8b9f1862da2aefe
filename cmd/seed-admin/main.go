// seed-admin creates or updates the admin console user for a business.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//   ADMIN_BUSINESS_ID=... ADMIN_EMAIL=... ADMIN_PASSWORD=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

func main() {
	businessId := strings.TrimSpace(os.Getenv("ADMIN_BUSINESS_ID"))
	email := strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	password := os.Getenv("ADMIN_PASSWORD")
	name := strings.TrimSpace(os.Getenv("ADMIN_NAME"))
	if name == "" {
		name = "Orders Admin"
	}
	if businessId == "" || email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_BUSINESS_ID, ADMIN_EMAIL and ADMIN_PASSWORD are required")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).
		Where("business_id = ? AND email = ?", businessId, email).
		First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			BusinessId: businessId,
			Name:       name,
			Email:      email,
			Password:   string(hashed),
			Role:       models.UserRoleAdmin,
			IsActive:   true,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: email=%q business=%q\n", email, businessId)
		return
	}

	// Update existing user: ensure password and admin role.
	if err := db.WithContext(ctx).Model(&models.User{}).
		Where("business_id = ? AND email = ?", businessId, email).
		Updates(map[string]any{
			"password":  string(hashed),
			"name":      name,
			"is_active": true,
			"role":      models.UserRoleAdmin,
		}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated admin user: email=%q business=%q\n", email, businessId)
}
