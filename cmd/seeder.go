package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	"github.com/frahmantamala/lms-backend/internal/enrollment"
	enrollmentPostgres "github.com/frahmantamala/lms-backend/internal/enrollment/postgres"
	"github.com/frahmantamala/lms-backend/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	clearData   bool
	seedStudent string
	seedAdmin   string
	seedCourses []string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed pending enrollments for a demo student and print bearer tokens for local testing.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		gormDB, err := initGorm(db)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			if err := gormDB.Exec("DELETE FROM payments WHERE user_id = ?", seedStudent).Error; err != nil {
				log.Fatalf("failed to clear payments: %v", err)
			}
			if err := gormDB.Exec("DELETE FROM enrollments WHERE student_id = ?", seedStudent).Error; err != nil {
				log.Fatalf("failed to clear enrollments: %v", err)
			}
			fmt.Println("Cleared enrollments and payments for", seedStudent)
		}

		service := enrollment.NewService(enrollmentPostgres.NewEnrollmentRepository(gormDB), logger.LoggerWrapper())
		ctx := context.Background()
		for _, course := range seedCourses {
			e, err := service.Enroll(ctx, seedStudent, course)
			if errors.Is(err, internal.ErrEnrollmentExists) {
				fmt.Printf("Enrollment for %s in %s already exists\n", seedStudent, course)
				continue
			}
			if err != nil {
				log.Fatalf("failed to seed enrollment for %s: %v", course, err)
			}
			fmt.Printf("Seeded enrollment %s (%s, %s)\n", e.ID, course, e.Status)
		}

		tokens := auth.NewJWTTokenGenerator(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
		for _, principal := range []struct{ id, role string }{
			{seedStudent, internal.RoleStudent},
			{seedAdmin, internal.RoleAdmin},
		} {
			token, err := tokens.GenerateAccessToken(principal.id, principal.role)
			if err != nil {
				log.Fatalf("failed to issue token for %s: %v", principal.id, err)
			}
			fmt.Printf("%s token (%s): %s\n", principal.role, principal.id, token)
		}
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")
	seedCmd.Flags().StringVar(&seedStudent, "student", "student-demo", "Student id to enroll")
	seedCmd.Flags().StringVar(&seedAdmin, "admin", "admin-demo", "Admin id to issue a token for")
	seedCmd.Flags().StringSliceVar(&seedCourses, "course", []string{"utbk-saintek-2026", "utbk-soshum-2026"}, "Course ids to enroll in")
}
