// approvalctl is the admin CLI: schema migrations and sample data seeding.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"approvalflow/internal/config"
	"approvalflow/internal/logging"
	"approvalflow/internal/repository"
	"approvalflow/internal/services"
	"approvalflow/migrations"
	"approvalflow/pkg/models"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:           "approvalctl",
		Short:         "Admin tooling for the approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return migrations.Up(connString(cfg))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Install the sample leave/expense/equipment workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return seed(cmd.Context(), cfg)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.JSON)

	pool, err := pgxpool.New(ctx, connString(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	definitions := services.NewDefinitionService(store, logger)

	seeder, err := ensureSeedUser(ctx, store)
	if err != nil {
		return err
	}

	escalation := models.RoleAdmin
	workflows := []*models.WorkflowDefinition{
		{
			FlowKey: "leave_request",
			Name:    "Leave Request",
			Steps: []models.Step{
				{
					StepID:   "manager_review",
					Name:     "Manager review",
					Role:     models.RoleManager,
					Actions:  []models.Action{models.ActionApprove, models.ActionReject, models.ActionEscalate},
					SLAHours: 24,
					Required: true,
					Order:    1,
					EscalationRole: &escalation,
				},
			},
		},
		{
			FlowKey: "expense_request",
			Name:    "Expense Request",
			Steps: []models.Step{
				{
					StepID:   "manager_review",
					Name:     "Manager review",
					Role:     models.RoleManager,
					Actions:  []models.Action{models.ActionApprove, models.ActionReject, models.ActionEscalate, models.ActionDelegate},
					SLAHours: 24,
					Required: true,
					Order:    1,
					EscalationRole: &escalation,
				},
				{
					StepID:   "finance_review",
					Name:     "Finance review",
					Role:     models.RoleAdmin,
					Actions:  []models.Action{models.ActionApprove, models.ActionReject},
					SLAHours: 48,
					Required: true,
					Order:    2,
				},
			},
		},
		{
			FlowKey: "equipment_request",
			Name:    "Equipment Request",
			Steps: []models.Step{
				{
					StepID:   "manager_review",
					Name:     "Manager review",
					Role:     models.RoleManager,
					Actions:  []models.Action{models.ActionApprove, models.ActionReject},
					SLAHours: 24,
					Required: true,
					Order:    1,
				},
				{
					StepID:   "it_review",
					Name:     "IT review",
					Role:     models.RoleAdmin,
					Actions:  []models.Action{models.ActionApprove, models.ActionReject},
					SLAHours: 72,
					Required: true,
					Order:    2,
				},
			},
		},
	}

	for _, wf := range workflows {
		if _, err := store.FindActiveDefinition(ctx, wf.FlowKey); err == nil {
			logger.WithField("flow_key", wf.FlowKey).Info("Skipping existing workflow")
			continue
		}
		created, err := definitions.Create(ctx, wf, seeder)
		if err != nil {
			return fmt.Errorf("failed to seed workflow %s: %w", wf.FlowKey, err)
		}
		logger.WithField("flow_key", created.FlowKey).WithField("id", created.ID).Info("Seeded workflow")
	}

	logger.Info("Seeding complete")
	return nil
}

// ensureSeedUser creates the admin identity seed data is attributed to.
func ensureSeedUser(ctx context.Context, store repository.Repository) (*models.User, error) {
	user, err := store.GetUserByEmail(ctx, "seed@localhost")
	if err == nil {
		return user, nil
	}

	now := time.Now()
	user = &models.User{
		ID:        uuid.New().String(),
		Email:     "seed@localhost",
		Name:      "Seed Script",
		Role:      models.RoleAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create seed user: %w", err)
	}
	return user, nil
}

func connString(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
}
