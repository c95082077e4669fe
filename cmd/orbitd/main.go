// orbitd — session backend for ChatOrbit.
//
// It mints session tokens, pairs the two participants, relays WebRTC
// signaling over WebSocket, and enforces session lifetimes. It never sees
// chat content; messages travel peer to peer once signaling completes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/config"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/server"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	addr := flag.String("addr", "", "Listen address (overrides config)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.MustLoad()
	util.SetLevel(cfg.Log.Level)
	if *debugMode {
		util.EnableDebug()
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	pterm.Info.Println(fmt.Sprintf("orbitd — v%s", version))

	srv := server.New(server.RegistryOptions{})

	util.LogInfo("listening on %s", cfg.Server.Address)
	if err := srv.Run(cfg.Server.Address); err != nil {
		util.LogError("server stopped: %v", err)
		os.Exit(1)
	}
}
