// ChatOrbit — CLI entry point.
//
// This tool connects two devices for an encrypted text and video chat over a
// WebRTC DataChannel. A short-lived token, minted by the backend, is the only
// thing the two sides share; after signaling completes all traffic flows
// peer to peer.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -server, -token, -ttl, -validity).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/config"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/rest"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/session"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/transport"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: host or guest")
	server := flag.String("server", "", "Backend base URL (e.g. https://orbit.example.com)")
	token := flag.String("token", "", "Session token to join (guest only)")
	ttl := flag.Int("ttl", 30, "Session TTL in minutes once both sides join (host only)")
	validity := flag.String("validity", "1_day", "Token validity: 1_day, 1_week, 1_month or 1_year (host only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.MustLoad()
	util.SetLevel(cfg.Log.Level)
	if *debugMode {
		util.EnableDebug()
	}
	if *server != "" {
		cfg.Server.BaseURL = *server
	}

	pterm.Info.Println(fmt.Sprintf("ChatOrbit — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case "host":
		if *ttl < 1 {
			util.LogError("invalid -ttl: must be at least 1 minute")
			os.Exit(1)
		}

		period, err := parseValidity(*validity)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		runHost(ctx, cfg, period, *ttl)

	case "guest":
		if strings.TrimSpace(*token) == "" {
			util.LogError("missing -token for guest role")
			os.Exit(1)
		}

		runGuest(ctx, cfg, strings.TrimSpace(*token))

	default:
		util.LogError("invalid -role: must be 'host' or 'guest'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Create a new session token", "Guest — Join with an existing token"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		runHost(ctx, cfg, rest.ValidityOneDay, 30)
	} else {
		runGuest(ctx, cfg, askToken())
	}
}

// runHost mints a fresh token, prints it for the guest, then joins and waits.
func runHost(ctx context.Context, cfg *config.Config, period rest.ValidityPeriod, ttlMinutes int) {
	api := rest.NewClient(cfg.Server.BaseURL)

	tok, err := api.CreateToken(ctx, rest.CreateTokenRequest{
		ValidityPeriod:    period,
		SessionTTLMinutes: ttlMinutes,
	})
	if err != nil {
		util.LogError("failed to create token: %v", err)
		os.Exit(1)
	}

	pterm.DefaultBox.
		WithTitle("Session token — share with your guest").
		Println(tok.Token)
	pterm.Println()

	runSession(ctx, cfg, api, tok.Token)
}

// runGuest joins an existing session by token.
func runGuest(ctx context.Context, cfg *config.Config, token string) {
	runSession(ctx, cfg, rest.NewClient(cfg.Server.BaseURL), token)
}

// runSession joins the session, drives it until it ends, and pumps stdin as
// the chat input in between.
func runSession(ctx context.Context, cfg *config.Config, api *rest.Client, token string) {
	join, err := api.JoinSession(ctx, rest.JoinSessionRequest{Token: token})
	if err != nil {
		util.LogError("failed to join session: %v", err)
		os.Exit(1)
	}
	util.LogInfo("joined as %s (participant %s)", join.Role, join.ParticipantID)

	peer, err := transport.NewPeer(cfg.WebRTC.STUNServers)
	if err != nil {
		util.LogError("failed to create peer connection: %v", err)
		os.Exit(1)
	}

	sess := session.New(cfg, api, peer, token, join)
	sess.OnMessage(func(msg domain.Message) {
		if msg.Encrypted {
			pterm.Println(pterm.Red("[peer, undecryptable] ") + msg.Content)
			return
		}
		pterm.Println(pterm.Cyan("[peer] ") + msg.Content)
	})
	sess.OnPhaseChange(func(p domain.Phase) {
		util.LogInfo("session phase: %s", p)
	})
	sess.OnCallPhaseChange(func(p domain.CallPhase) {
		switch p {
		case domain.CallIncoming:
			util.LogInfo("incoming video call — /accept or /decline")
		case domain.CallActive:
			util.LogSuccess("video call active")
		case domain.CallIdle:
			util.LogInfo("video call ended")
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	select {
	case <-sess.Ready():
		util.LogSuccess("P2P chat established — type a message, or /help for commands")
	case <-sess.Done():
	case <-ctx.Done():
	}

	go readInput(ctx, sess)
	util.StartStatsReporter(ctx)

	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			util.LogError("session ended: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		endCtx, cancel := context.WithTimeout(context.Background(), cfg.WebRTC.DialTimeout)
		defer cancel()
		if err := sess.End(endCtx); err != nil {
			util.LogWarning("failed to end session cleanly: %v", err)
		}
		<-runErr
	}
}

// readInput forwards stdin lines to the session. Lines starting with "/" are
// commands; everything else is a chat message.
func readInput(ctx context.Context, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			runCommand(ctx, sess, line)
			continue
		}

		if _, err := sess.SendText(line); err != nil {
			util.LogWarning("message not sent: %v", err)
		}
	}
}

func runCommand(ctx context.Context, sess *session.Session, line string) {
	var err error

	switch line {
	case "/video":
		err = sess.Invite()
	case "/accept":
		err = sess.Accept()
	case "/decline":
		err = sess.Decline()
	case "/hangup":
		err = sess.EndCall()
	case "/end", "/quit":
		err = sess.End(ctx)
	case "/help":
		pterm.Println("commands: /video /accept /decline /hangup /end /quit /help")
	default:
		util.LogWarning("unknown command: %s", line)
	}

	if err != nil {
		util.LogWarning("%s failed: %v", line, err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// parseValidity validates the -validity flag value.
func parseValidity(raw string) (rest.ValidityPeriod, error) {
	switch rest.ValidityPeriod(raw) {
	case rest.ValidityOneDay, rest.ValidityOneWeek, rest.ValidityOneMonth, rest.ValidityOneYear:
		return rest.ValidityPeriod(raw), nil
	}
	return "", fmt.Errorf("invalid validity period: %s", raw)
}

// askToken prompts the user for a session token until a non-empty one is
// entered.
func askToken() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session token (from the host)").
			Show()

		token := strings.TrimSpace(raw)
		if token != "" {
			pterm.Println()
			return token
		}

		util.LogWarning("token must not be empty")
		pterm.Println()
	}
}
