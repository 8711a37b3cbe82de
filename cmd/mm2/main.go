// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package main is the entry point for the mm2 CLI.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/config"
	"github.com/ridgetel/mm2/internal/diag"
	"github.com/ridgetel/mm2/internal/handlers"
	"github.com/ridgetel/mm2/internal/middleware"
	"github.com/ridgetel/mm2/internal/notify"
	"github.com/ridgetel/mm2/internal/service"
	"github.com/ridgetel/mm2/internal/unixsock"
	"github.com/ridgetel/mm2/pkg/pool"
	"github.com/ridgetel/mm2/pkg/sector"
)

const (
	defaultConfigPath = "config.json"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "serve":
		runServer(os.Args[2:])
	case "create":
		runCreateCommand(os.Args[2:])
	case "validate":
		runValidateCommand(os.Args[2:])
	case "calc":
		runCalcCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Println("mm2 v0.3.0")
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`mm2 - Sector-Chain Memory Manager

Usage:
  mm2 <command> [arguments]

Commands:
  serve     Start the API server
  create    Create a new pool image
  validate  Run a full corruption scan on a pool image
  calc      Calculate flash footprint
  help      Show this help message
  version   Show version

Use "mm2 <command> -h" for more information about a command.`)
}

func printServeUsage() {
	fmt.Println(`mm2 serve - Start the API server

Usage:
  mm2 serve [options]

Options:
  --no-socket     Disable Unix socket listener
  --socket <path> Override Unix socket path

Environment Variables:
  MM2_ADMIN_KEY    Admin key for pool creation (required, min 20 chars)
  MM2_HOST         Server host (default: 0.0.0.0)
  MM2_PORT         Server port (default: 21090)
  MM2_MODE         Server mode: debug or release (default: release)
  MM2_DATA_PATH    Base path for pool images (default: ./data)
  MM2_SOCKET_PATH  Unix socket path (default: /var/run/mm2/mm2.sock)
  MM2_TLS_CERT     Path to TLS certificate file (enables HTTPS if set with TLS_KEY)
  MM2_TLS_KEY      Path to TLS private key file (enables HTTPS if set with TLS_CERT)

TLS:
  If both MM2_TLS_CERT and MM2_TLS_KEY are provided, the server will use
  HTTPS. Otherwise, it falls back to HTTP. WebSocket connections (ws://, wss://)
  automatically use the same protocol as the HTTP server.`)
}

func printCreateUsage() {
	fmt.Println(`mm2 create - Create a new pool image

Usage:
  mm2 create <pool-name> [options]

Options:
  --sectors <n>      Number of sectors (default: 4096)
  --sector-size <n>  Sector size in bytes, power of 2 >= 128 (default: 4096)
  --path <dir>       Base directory for pools (default: ./data or MM2_DATA_PATH)
  --erase <policy>   Erase policy: deferred, erase-before-reuse (default: deferred)
  --fail-safe        Refuse allocations for owners named in corruption findings

Examples:
  mm2 create telemetry
  mm2 create can-log --sectors 16384 --sector-size 512
  mm2 create diag --path /var/mm2 --erase erase-before-reuse`)
}

func runServer(args []string) {
	// Parse serve options
	noSocket := false
	socketPathOverride := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			printServeUsage()
			return
		case "--no-socket":
			noSocket = true
		case "--socket":
			if i+1 < len(args) {
				i++
				socketPathOverride = args[i]
			}
		}
	}

	cfg := loadConfig()

	// Apply command-line overrides
	if noSocket {
		cfg.Server.SocketPath = ""
	} else if socketPathOverride != "" {
		cfg.Server.SocketPath = socketPathOverride
	}

	// Validate admin key
	if cfg.Server.AdminKey == "" {
		log.Fatal("Admin key required: set MM2_ADMIN_KEY environment variable or admin_key in config")
	}
	if len(cfg.Server.AdminKey) < 20 {
		log.Fatal("Admin key must be at least 20 characters")
	}

	// Validate TLS configuration if partially provided
	if (cfg.Server.TLS.CertFile != "") != (cfg.Server.TLS.KeyFile != "") {
		log.Fatal("TLS requires both cert and key: set both MM2_TLS_CERT and MM2_TLS_KEY")
	}
	if cfg.TLSEnabled() {
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			log.Fatalf("TLS certificate file not found: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			log.Fatalf("TLS key file not found: %s", cfg.Server.TLS.KeyFile)
		}
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Pool.BasePath, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Initialize components
	flags := &diag.Flags{}

	var webhook *notify.Webhook
	if cfg.Webhook.URL != "" {
		webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
		})
		webhook.Start()
	}

	poolService := service.NewPoolService(cfg, flags, webhook)

	// Setup Gin
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger())

	// Health check (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Initialize handlers
	poolHandler := handlers.NewPoolHandler(poolService)
	chainHandler := handlers.NewChainHandler(poolService)
	validateHandler := handlers.NewValidateHandler(poolService)
	diagHandler := handlers.NewDiagHandler(flags)
	ingestHandler := handlers.NewIngestHandler(poolService)
	uplinkHandler := handlers.NewUplinkHandler(poolService)
	wsHandler := handlers.NewWSHandler(poolService)

	// API routes
	api := router.Group("/api")
	{
		// Diagnostic flag word
		diagRoutes := api.Group("/diag")
		{
			diagRoutes.GET("", diagHandler.Get)
			diagRoutes.GET("/available", diagHandler.Available)
			diagRoutes.POST("/enable", diagHandler.Enable)
			diagRoutes.POST("/clear", diagHandler.ClearGroup)
		}

		// Pool management
		pools := api.Group("/pools")
		{
			pools.POST("", middleware.AdminAuth(cfg.Server.AdminKey), poolHandler.Create) // Create new pool (requires admin key)
			pools.GET("", poolHandler.List)                                               // List pools on disk (no auth)
		}

		// Pool-specific operations
		poolRoutes := pools.Group("/:pool")
		{
			poolRoutes.DELETE("", middleware.AdminAuth(cfg.Server.AdminKey), poolHandler.Delete)
			poolRoutes.POST("/reset", middleware.AdminAuth(cfg.Server.AdminKey), poolHandler.Reset)
			poolRoutes.GET("/stats", poolHandler.Stats)

			// Validation and corruption findings. Validation reports,
			// it never repairs.
			poolRoutes.POST("/validate", validateHandler.Validate)
			poolRoutes.GET("/findings", validateHandler.Findings)
			poolRoutes.GET("/failsafe", validateHandler.FailSafe)
			poolRoutes.DELETE("/failsafe/:owner", middleware.AdminAuth(cfg.Server.AdminKey), validateHandler.ClearFailSafe)

			// Per-owner chain operations
			chains := poolRoutes.Group("/chains")
			{
				chains.GET("", chainHandler.List)
				chains.GET("/:owner", chainHandler.Get)
				chains.GET("/:owner/data", chainHandler.Read)
				chains.POST("/:owner/data", chainHandler.Append)
				chains.GET("/:owner/head", chainHandler.Head)
				chains.DELETE("/:owner/head", chainHandler.FreeHead)
				chains.DELETE("/:owner/sectors/:sector", chainHandler.FreeSector)
			}

			// WebSocket live chain streaming
			poolRoutes.GET("/ws/read", wsHandler.Read)

			// MQTT ingest connections
			ingestConns := poolRoutes.Group("/ingest")
			{
				ingestConns.GET("", ingestHandler.List)
				ingestConns.POST("", ingestHandler.Create)
				ingestConns.GET("/:id", ingestHandler.Get)
				ingestConns.DELETE("/:id", ingestHandler.Delete)
			}

			// WebSocket uplink connections
			uplinkConns := poolRoutes.Group("/uplink")
			{
				uplinkConns.GET("", uplinkHandler.List)
				uplinkConns.POST("", uplinkHandler.Create)
				uplinkConns.GET("/:id", uplinkHandler.Get)
				uplinkConns.DELETE("/:id", uplinkHandler.Delete)
			}
		}
	}

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine (HTTPS if TLS configured, HTTP otherwise)
	go func() {
		if cfg.TLSEnabled() {
			log.Printf("Starting mm2 server on %s (HTTPS)", addr)
			if err := srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server error: %v", err)
			}
		} else {
			log.Printf("Starting mm2 server on %s (HTTP)", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server error: %v", err)
			}
		}
	}()

	// Start Unix socket listener if configured
	var sockListener *unixsock.Listener
	if cfg.Server.SocketPath != "" {
		sockListener = unixsock.NewListener(cfg.Server.SocketPath, poolService)
		if err := sockListener.Start(); err != nil {
			log.Printf("Warning: Unix socket listener failed to start: %v", err)
			sockListener = nil
		}
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop Unix socket listener
	if sockListener != nil {
		if err := sockListener.Stop(); err != nil {
			log.Printf("Error stopping Unix socket listener: %v", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close all pools; stops transports and erase workers
	if err := poolService.CloseAll(); err != nil {
		log.Printf("Error closing pools: %v", err)
	}

	if webhook != nil {
		webhook.Stop()
	}

	log.Println("Server stopped")
}

func loadConfig() *config.Config {
	configPath := defaultConfigPath
	if envPath := os.Getenv("MM2_CONFIG"); envPath != "" {
		configPath = envPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.LoadFromEnv()
	return cfg
}

func runCreateCommand(args []string) {
	if len(args) < 1 || args[0] == "-h" || args[0] == "--help" {
		printCreateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	poolName := args[0]

	// Parse options
	numSectors := uint32(0)
	sectorSize := uint32(0)
	basePath := ""
	erasePolicy := ""
	failSafe := false

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--sectors":
			if i+1 < len(args) {
				i++
				var n int
				fmt.Sscanf(args[i], "%d", &n)
				if n > 0 {
					numSectors = uint32(n)
				}
			}
		case "--sector-size":
			if i+1 < len(args) {
				i++
				var n int
				fmt.Sscanf(args[i], "%d", &n)
				if n > 0 {
					sectorSize = uint32(n)
				}
			}
		case "--path":
			if i+1 < len(args) {
				i++
				basePath = args[i]
			}
		case "--erase":
			if i+1 < len(args) {
				i++
				erasePolicy = args[i]
			}
		case "--fail-safe":
			failSafe = true
		}
	}

	cfg := loadConfig()

	// Override base path if specified
	if basePath != "" {
		cfg.Pool.BasePath = basePath
	}

	// Ensure base directory exists
	if err := os.MkdirAll(cfg.Pool.BasePath, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	poolService := service.NewPoolService(cfg, &diag.Flags{}, nil)

	req := &service.CreatePoolRequest{
		Name:        poolName,
		NumSectors:  numSectors,
		SectorSize:  sectorSize,
		ErasePolicy: erasePolicy,
		FailSafe:    failSafe,
	}

	resp, err := poolService.Create(req)
	if err != nil {
		log.Fatalf("Failed to create pool: %v", err)
	}

	poolService.CloseAll()

	fmt.Println("=== POOL CREATED ===")
	fmt.Printf("Name:         %s\n", resp.Name)
	fmt.Printf("Path:         %s/%s\n", cfg.Pool.BasePath, resp.Name)
	fmt.Printf("Sectors:      %d\n", resp.NumSectors)
	fmt.Printf("Sector Size:  %d bytes\n", resp.SectorSize)
	fmt.Printf("Flash Image:  %s\n", formatBytes(uint64(resp.FlashBytes)))
}

func printValidateUsage() {
	fmt.Println(`mm2 validate - Run a full corruption scan on a pool image

Usage:
  mm2 validate <pool-name> [options]

Options:
  --path <dir>  Base directory for pools (default: ./data or MM2_DATA_PATH)

Exit status is non-zero when the scan produces findings. Findings are
reported, never repaired.`)
}

func runValidateCommand(args []string) {
	if len(args) < 1 || args[0] == "-h" || args[0] == "--help" {
		printValidateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	poolName := args[0]
	basePath := ""

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--path":
			if i+1 < len(args) {
				i++
				basePath = args[i]
			}
		}
	}

	cfg := loadConfig()
	if basePath != "" {
		cfg.Pool.BasePath = basePath
	}

	p, err := pool.Open(cfg.Pool.BasePath, poolName)
	if err != nil {
		log.Fatalf("Failed to open pool: %v", err)
	}
	defer p.Close()

	findings := p.Validate(pool.ScopeFull())

	stats := p.Stats()
	fmt.Printf("Pool:     %s\n", poolName)
	fmt.Printf("Sectors:  %d (%d free, %d pending erase, %d quarantined)\n",
		stats.NumSectors, stats.FreeSectors, stats.PendingErase, stats.Quarantined)
	fmt.Printf("Chains:   %d active, %d sectors\n", stats.ActiveChains, stats.ChainSectors)
	fmt.Println()

	if len(findings) == 0 {
		fmt.Println("No findings. Pool structure is clean.")
		return
	}

	fmt.Printf("%d finding(s):\n", len(findings))
	for _, f := range findings {
		ref := ""
		if f.Ref != sector.None {
			ref = fmt.Sprintf(" ref=%d", f.Ref)
		}
		fmt.Printf("  %-16s owner=%d sector=%d%s\n", f.Kind, f.Owner, f.Sector, ref)
	}
	os.Exit(1)
}

func printCalcUsage() {
	fmt.Println(`mm2 calc - Calculate flash footprint

Usage:
  mm2 calc [options]

Options:
  --sectors <n>      Number of sectors (default: from config or 4096)
  --sector-size <n>  Sector size in bytes (default: from config or 4096)
  --frame-size <n>   Calculate capacity for a specific frame size in bytes

If no options provided, reads defaults from config file.

Examples:
  mm2 calc --sectors 16384 --sector-size 512
  mm2 calc --frame-size 24
  mm2 calc`)
}

func runCalcCommand(args []string) {
	// Parse options
	numSectors := uint32(0)
	sectorSize := uint32(0)
	frameSize := uint32(0)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			printCalcUsage()
			return
		case "--sectors":
			if i+1 < len(args) {
				i++
				var n int
				fmt.Sscanf(args[i], "%d", &n)
				if n > 0 {
					numSectors = uint32(n)
				}
			}
		case "--sector-size":
			if i+1 < len(args) {
				i++
				var n int
				fmt.Sscanf(args[i], "%d", &n)
				if n > 0 {
					sectorSize = uint32(n)
				}
			}
		case "--frame-size":
			if i+1 < len(args) {
				i++
				var n int
				fmt.Sscanf(args[i], "%d", &n)
				if n > 0 {
					frameSize = uint32(n)
				}
			}
		}
	}

	cfg := loadConfig()

	// Apply defaults from config if not specified
	if numSectors == 0 {
		numSectors = cfg.Pool.NumSectors
	}
	if sectorSize == 0 {
		sectorSize = cfg.Pool.SectorSize
	}

	const metadataSize = 64 // meta.mm2 size

	dataFileSize := uint64(numSectors) * uint64(sectorSize)
	totalSize := dataFileSize + metadataSize
	usablePerSector := sector.UsablePayloadSize(sectorSize)

	fmt.Println("=== Flash Footprint ===")
	fmt.Println()
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Sectors:       %s\n", formatNumber(uint64(numSectors)))
	fmt.Printf("  Sector size:   %s bytes\n", formatNumber(uint64(sectorSize)))
	fmt.Printf("  Header size:   %d bytes\n", sector.HeaderSize)
	fmt.Println()
	fmt.Printf("Files:\n")
	fmt.Printf("  data.mm2:  %s × %s = %s (%s)\n",
		formatNumber(uint64(numSectors)),
		formatNumber(uint64(sectorSize)),
		formatNumber(dataFileSize),
		formatBytes(dataFileSize))
	fmt.Printf("  meta.mm2:  %d bytes\n", metadataSize)
	fmt.Println()
	fmt.Printf("Total footprint: %s (%s)\n", formatNumber(totalSize), formatBytes(totalSize))
	fmt.Println()
	fmt.Printf("Usable payload:  %s bytes/sector, %s total\n",
		formatNumber(uint64(usablePerSector)),
		formatBytes(uint64(numSectors)*uint64(usablePerSector)))

	// Frame capacity estimates
	fmt.Println()
	if frameSize > 0 {
		fmt.Printf("Frame capacity for %d byte frames:\n", frameSize)
		printFrameCapacity(frameSize, usablePerSector, numSectors)
	} else {
		// Show table of common CAN frame sizes (classic and FD)
		fmt.Println("Estimated frame capacity:")
		fmt.Println("  Frame Size    Frames/Sector    Total Frames")
		fmt.Println("  ----------    -------------    ------------")

		frameSizes := []uint32{16, 24, 32, 48, 72, 128}
		for _, fs := range frameSizes {
			if fs > usablePerSector {
				spanning := (fs + usablePerSector - 1) / usablePerSector
				total := uint64(numSectors) / uint64(spanning)
				fmt.Printf("  %5d bytes    %13s    %12s (spans %d sectors)\n",
					fs, "<1", formatNumber(total), spanning)
			} else {
				perSector := usablePerSector / fs
				total := uint64(numSectors) * uint64(perSector)
				fmt.Printf("  %5d bytes    %13d    %12s\n",
					fs, perSector, formatNumber(total))
			}
		}
	}
}

func printFrameCapacity(frameSize, usablePerSector, numSectors uint32) {
	if frameSize > usablePerSector {
		spanning := (frameSize + usablePerSector - 1) / usablePerSector
		total := uint64(numSectors) / uint64(spanning)
		fmt.Printf("  Sectors per frame: %d\n", spanning)
		fmt.Printf("  Total frames:      %s\n", formatNumber(total))
	} else {
		perSector := usablePerSector / frameSize
		total := uint64(numSectors) * uint64(perSector)
		fmt.Printf("  Frames per sector: %d\n", perSector)
		fmt.Printf("  Total frames:      %s\n", formatNumber(total))
	}
}

// formatNumber formats a number with comma separators
func formatNumber(n uint64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

// formatBytes formats bytes as human-readable (KB, MB, GB)
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
