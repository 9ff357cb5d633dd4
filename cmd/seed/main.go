package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/avolokita/tochka-exchange/internal/auth"
	"github.com/avolokita/tochka-exchange/internal/config"
	"github.com/avolokita/tochka-exchange/internal/db"
	"github.com/avolokita/tochka-exchange/internal/models"
)

// Seed the database with an admin account, the cash instrument, and a
// few tradable instruments with starting balances for a demo user.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Nothing to do if the database already has instruments.
	instruments, err := database.ListInstruments(ctx)
	if err != nil {
		log.Fatalf("Failed to check instruments: %v", err)
	}
	if len(instruments) > 0 {
		fmt.Printf("Database already has %d instruments. No need to seed.\n", len(instruments))
		os.Exit(0)
	}

	seedInstruments := []models.Instrument{
		{Ticker: models.CashTicker, Name: "Russian Ruble"},
		{Ticker: "MEMCOIN", Name: "Meme Coin"},
		{Ticker: "SBER", Name: "Sberbank"},
	}
	for _, in := range seedInstruments {
		if err := database.CreateInstrument(ctx, in.Ticker, in.Name); err != nil {
			log.Fatalf("Failed to create instrument %s: %v", in.Ticker, err)
		}
	}

	authService := auth.NewAuthService(database, cfg.TokenSecret)

	admin, err := authService.Register(ctx, "admin")
	if err != nil {
		log.Fatalf("Failed to create admin: %v", err)
	}
	// Role promotion is administrative only, so write it directly.
	if _, err := database.Pool.Exec(ctx,
		"UPDATE users SET role = $1 WHERE id = $2", models.RoleAdmin, admin.ID); err != nil {
		log.Fatalf("Failed to promote admin: %v", err)
	}

	trader, err := authService.Register(ctx, "trader1")
	if err != nil {
		log.Fatalf("Failed to create trader: %v", err)
	}

	if err := database.Deposit(ctx, database.Pool, trader.ID, models.CashTicker, 100000); err != nil {
		log.Fatalf("Failed to deposit cash: %v", err)
	}
	if err := database.Deposit(ctx, database.Pool, trader.ID, "MEMCOIN", 100); err != nil {
		log.Fatalf("Failed to deposit inventory: %v", err)
	}

	fmt.Println("Seeded database.")
	fmt.Printf("Admin API key:  %s\n", admin.APIKey)
	fmt.Printf("Trader API key: %s\n", trader.APIKey)
}
