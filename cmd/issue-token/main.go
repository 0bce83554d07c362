package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token mints tokens for local testing and for bootstrapping the first
// proctor. Student tokens become the student's only valid session.
func main() {
	admin := flag.Bool("admin", false, "Issue a proctor token instead of a student token")
	reset := flag.Bool("reset", false, "Only clear the student's active session")
	id := flag.Int("id", 0, "Student or proctor ID (prompted when omitted)")
	askSecret := flag.Bool("ask-secret", false, "Prompt for the JWT secret instead of reading JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	if *id <= 0 {
		fmt.Print("Enter ID: ")
		raw, _ := reader.ReadString('\n')
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			fmt.Println("Error: ID must be a positive number")
			os.Exit(1)
		}
		*id = n
	}

	if *askSecret {
		fmt.Print("Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after hidden input
		if err != nil {
			fmt.Println("Error reading secret")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}
	if len(cfg.JWTSecret) < 16 {
		fmt.Println("Error: JWT secret must be at least 16 characters")
		os.Exit(1)
	}

	ctx := context.Background()

	// ─── Proctor Token ────────────────────────────────────────────────
	if *admin {
		auth := service.NewAuthService(cfg, nil)
		token, err := auth.GenerateAdminToken(*id)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to sign proctor token")
		}
		fmt.Println(token)
		return
	}

	// ─── Student Token (needs Redis for the session binding) ──────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	auth := service.NewAuthService(cfg, rdb)
	if *reset {
		if err := auth.ResetStudentSession(ctx, *id); err != nil {
			log.Fatal().Err(err).Msg("Failed to reset session")
		}
		fmt.Printf("Session of student %d cleared\n", *id)
		return
	}

	token, err := auth.GenerateStudentToken(ctx, *id)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue student token")
	}
	fmt.Println(token)
}
