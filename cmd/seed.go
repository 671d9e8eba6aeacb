package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/channel"
	"github.com/jmehdipour/teatrace/internal/db"
	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/logger"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/service/outbox"
)

// demoUsers is one participant per role.
var demoUsers = []outbox.RegisterUserInput{
	{Email: "farmer@teatrace.local", Role: model.RoleFarmer, Location: "Nuwara Eliya"},
	{Email: "factory@teatrace.local", Role: model.RoleProcessingPlant, Location: "Kandy"},
	{Email: "shipping@teatrace.local", Role: model.RoleShipmentCompany, Location: "Colombo"},
	{Email: "retail@teatrace.local", Role: model.RoleRetailer, Location: "Galle"},
	{Email: "consumer@teatrace.local", Role: model.RoleConsumer, Location: "Colombo"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register demo participants through the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Log

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		pub, err := channel.NewPublisher(cfg)
		if err != nil {
			return fmt.Errorf("channel publisher: %w", err)
		}
		defer func() { _ = pub.Close() }()

		sealer, err := keys.NewSealer(cfg.Keys.Password, cfg.Keys.Salt)
		if err != nil {
			return fmt.Errorf("key sealer: %w", err)
		}

		ctx := cmd.Context()
		existing, err := seededEmails(ctx, sqlDB)
		if err != nil {
			return err
		}

		writer := outbox.NewWriter(sqlDB, repository.NewOutboxRepository(sqlDB), pub, log)
		svc := outbox.NewService(writer, outbox.Stores{
			Users:        repository.NewUsersRepository(sqlDB),
			Harvests:     repository.NewHarvestsRepository(sqlDB),
			Processing:   repository.NewProcessingRepository(sqlDB),
			Consignments: repository.NewConsignmentsRepository(sqlDB),
		}, sealer)

		for _, u := range demoUsers {
			if existing[u.Email] {
				log.Info("seed: user exists", zap.String("email", u.Email))
				continue
			}
			id, err := svc.RegisterUser(ctx, u)
			if err != nil {
				return fmt.Errorf("register %s: %w", u.Email, err)
			}
			log.Info("seed: user submitted", zap.String("email", u.Email), zap.String("request_id", id))
		}
		return nil
	},
}

func seededEmails(ctx context.Context, dbx *sqlx.DB) (map[string]bool, error) {
	emails := make([]string, 0, len(demoUsers))
	for _, u := range demoUsers {
		emails = append(emails, u.Email)
	}
	q, args, err := sqlx.In(`SELECT email FROM users WHERE email IN (?)`, emails)
	if err != nil {
		return nil, err
	}
	var found []string
	if err := dbx.SelectContext(ctx, &found, dbx.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("load seeded users: %w", err)
	}
	out := make(map[string]bool, len(found))
	for _, e := range found {
		out[e] = true
	}
	return out, nil
}
