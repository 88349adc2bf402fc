// Command licksctl is a registration and relay smoke-test driver for the
// licks client: register a profile, create or join a group, send a
// message, and listen for incoming ones.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/licks-chat/licks/internal/client"
	"github.com/licks-chat/licks/internal/ids"
)

var (
	dataDir     string
	identity    string
	unauthURL   string
	authURL     string
	profileName string
	username    string
	groupHex    string
	message     string
	peerHex     string
	welcomeFile string
	verbose     bool

	rootCmd = &cobra.Command{
		Use:   "licksctl",
		Short: "Drive a licks profile from the command line",
	}

	registerCmd = &cobra.Command{
		Use:   "register",
		Short: "Register a new profile (or load it if already registered)",
		RunE:  runRegister,
	}

	createGroupCmd = &cobra.Command{
		Use:   "create-group",
		Short: "Create a new group and print its id",
		RunE:  runCreateGroup,
	}

	inviteCmd = &cobra.Command{
		Use:   "invite",
		Short: "Invite an account (by id) into a group, writing the welcome to stdout",
		RunE:  runInvite,
	}

	joinCmd = &cobra.Command{
		Use:   "join",
		Short: "Join a group from a welcome file",
		RunE:  runJoin,
	}

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a message to a group",
		RunE:  runSend,
	}

	// listenCmd starts a fresh group session for the duration of this
	// process; simengine keeps no persisted ratchet state to resume from
	// across invocations, so this is meant to run in the same process as
	// create-group/join for a manual end-to-end smoke test.
	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Print messages received on a group until interrupted",
		RunE:  runListen,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./licksctl-data", "directory holding profile state")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "licksd", "server identity string bound into new account certificates")
	rootCmd.PersistentFlags().StringVar(&unauthURL, "unauth-url", "ws://127.0.0.1:7880/", "unauthenticated websocket URL of the server")
	rootCmd.PersistentFlags().StringVar(&authURL, "auth-url", "ws://127.0.0.1:7881/auth", "authenticated websocket URL of the server")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "default", "profile name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	registerCmd.Flags().StringVar(&username, "username", "", "username to claim on first registration")

	createGroupCmd.Flags().StringVar(&groupHex, "group", "", "group id to mint under (random if empty)")

	inviteCmd.Flags().StringVar(&groupHex, "group", "", "group id (required)")
	inviteCmd.Flags().StringVar(&peerHex, "account", "", "account id of the invitee (required)")
	inviteCmd.MarkFlagRequired("group")
	inviteCmd.MarkFlagRequired("account")

	joinCmd.Flags().StringVar(&groupHex, "group", "", "group id (required)")
	joinCmd.Flags().StringVar(&welcomeFile, "welcome-file", "", "file holding the welcome bytes (required)")
	joinCmd.MarkFlagRequired("group")
	joinCmd.MarkFlagRequired("welcome-file")

	sendCmd.Flags().StringVar(&groupHex, "group", "", "group id (required)")
	sendCmd.Flags().StringVar(&message, "message", "", "message text (required)")
	sendCmd.MarkFlagRequired("group")
	sendCmd.MarkFlagRequired("message")

	listenCmd.Flags().StringVar(&groupHex, "group", "", "group id (required)")
	listenCmd.MarkFlagRequired("group")

	rootCmd.AddCommand(registerCmd, createGroupCmd, inviteCmd, joinCmd, sendCmd, listenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newHost() *client.Host {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return client.NewHost(dataDir, identity, unauthURL, authURL, client.WithLogger(log))
}

func parseGroupID(s string) (ids.GroupIdentifier, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ids.GroupIdentifier{}, fmt.Errorf("licksctl: invalid group id %q: %w", s, err)
	}
	return ids.GroupIdentifier(u), nil
}

func parseAccountID(s string) (ids.AccountId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return ids.AccountId{}, fmt.Errorf("licksctl: invalid account id %q", s)
	}
	var out ids.AccountId
	copy(out[:], raw)
	return out, nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, username)
	if err != nil {
		return fmt.Errorf("licksctl: register: %w", err)
	}
	fmt.Printf("profile %q registered, account id %s\n", profileName, p.AccountID())
	return nil
}

func runCreateGroup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, "")
	if err != nil {
		return fmt.Errorf("licksctl: load profile: %w", err)
	}

	groupID := ids.NewGroupIdentifier()
	if groupHex != "" {
		groupID, err = parseGroupID(groupHex)
		if err != nil {
			return err
		}
	}
	if err := p.CreateGroup(ctx, groupID, nil, logGroupError); err != nil {
		return fmt.Errorf("licksctl: create group: %w", err)
	}
	fmt.Printf("created group %s\n", uuid.UUID(groupID))
	return nil
}

func runInvite(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, "")
	if err != nil {
		return fmt.Errorf("licksctl: load profile: %w", err)
	}
	groupID, err := parseGroupID(groupHex)
	if err != nil {
		return err
	}
	accountID, err := parseAccountID(peerHex)
	if err != nil {
		return err
	}

	keyPackage, ok, err := p.FetchKeyPackage(ctx, accountID)
	if err != nil {
		return fmt.Errorf("licksctl: fetch key package: %w", err)
	}
	if !ok {
		return fmt.Errorf("licksctl: account %s has no published key package", accountID)
	}

	welcome, err := p.InviteMember(ctx, groupID, keyPackage)
	if err != nil {
		return fmt.Errorf("licksctl: invite: %w", err)
	}
	fmt.Printf("%s\n", hex.EncodeToString(welcome))
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, "")
	if err != nil {
		return fmt.Errorf("licksctl: load profile: %w", err)
	}
	groupID, err := parseGroupID(groupHex)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(welcomeFile)
	if err != nil {
		return fmt.Errorf("licksctl: read welcome file: %w", err)
	}
	welcome, err := hex.DecodeString(string(raw))
	if err != nil {
		return fmt.Errorf("licksctl: decode welcome: %w", err)
	}
	if err := p.JoinGroup(ctx, groupID, welcome, nil, logGroupError); err != nil {
		return fmt.Errorf("licksctl: join group: %w", err)
	}
	fmt.Printf("joined group %s\n", uuid.UUID(groupID))
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, "")
	if err != nil {
		return fmt.Errorf("licksctl: load profile: %w", err)
	}
	groupID, err := parseGroupID(groupHex)
	if err != nil {
		return err
	}

	stamp, err := p.SendGroupMessage(ctx, groupID, []byte(message))
	if err != nil {
		return fmt.Errorf("licksctl: send: %w", err)
	}
	fmt.Printf("sent, delivery stamp %s\n", stamp)
	return nil
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h := newHost()
	defer h.CloseAll(ctx)

	p, err := h.Profile(ctx, profileName, "")
	if err != nil {
		return fmt.Errorf("licksctl: load profile: %w", err)
	}
	groupID, err := parseGroupID(groupHex)
	if err != nil {
		return err
	}

	onMessage := func(msg client.GroupMessage) {
		fmt.Printf("[%s] %s\n", msg.GroupID, string(msg.Payload))
	}
	if err := p.CreateGroup(ctx, groupID, onMessage, logGroupError); err != nil {
		return fmt.Errorf("licksctl: listen: %w", err)
	}

	fmt.Println("listening, press ctrl-c to stop")
	<-ctx.Done()
	return nil
}

func logGroupError(err error) {
	fmt.Fprintf(os.Stderr, "group error: %v\n", err)
}
