// Package main provides the CLI entry point for FreeViewer.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/freeviewer/internal/agent"
	"github.com/postalsys/freeviewer/internal/config"
	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/filetransfer"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/service"
	"github.com/postalsys/freeviewer/internal/session"
	"github.com/postalsys/freeviewer/internal/sysinfo"
	"github.com/postalsys/freeviewer/internal/wizard"
)

// passwordEnv supplies the host password to connect without a prompt.
const passwordEnv = "FREEVIEWER_PASSWORD"

func main() {
	rootCmd := &cobra.Command{
		Use:   "freeviewer",
		Short: "FreeViewer - Remote desktop sessions across NAT",
		Long: `FreeViewer connects a client to a remote desktop by machine ID and a
rotating password. A relay brokers each connection, hosts and clients
try a direct hole-punched path first and fall back to forwarding
through the relay. The relay never sees session contents.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// applyRate overrides a configured file rate from a flag value.
func applyRate(flag string, dst *int64) error {
	if flag == "" {
		return nil
	}
	rate, err := filetransfer.ParseRate(flag)
	if err != nil {
		return err
	}
	*dst = rate
	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM and stops a.
func waitForSignal(a *agent.Agent) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.StopWithContext(ctx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		return err
	}
	fmt.Println("Stopped.")
	return nil
}

func relayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the rendezvous relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			if err := a.Start(agent.StartOptions{Relay: true}); err != nil {
				return err
			}

			for _, l := range cfg.Relay.Listeners {
				fmt.Printf("Relay listening: %s://%s\n", l.Transport, l.Address)
			}
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health: http://%s/healthz\n", addr)
			}
			return waitForSignal(a)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./freeviewer.yaml", "Path to configuration file")
	return cmd
}

func hostCmd() *cobra.Command {
	var (
		configPath string
		rate       string
		synthetic  bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Share this desktop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := applyRate(rate, &cfg.Host.FileRate); err != nil {
				return err
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}

			sink := desktop.NewLogSink(a.Logger())
			d := agent.Desktop{Input: sink, Clipboard: sink, Chat: sink}
			if synthetic {
				d.Source = desktop.NewSynthetic()
			}
			err = a.Start(agent.StartOptions{
				Host:    true,
				Desktop: d,
				OnPassword: func(password string, generation uint64) {
					fmt.Printf("Password:   %s (generation %d)\n", password, generation)
				},
			})
			if err != nil {
				return err
			}

			go func() {
				if err := a.Host().WaitRegistered(context.Background()); err == nil {
					fmt.Printf("Machine ID: %s\n", a.MachineID().Format())
				}
			}()
			if cfg.Host.FileRoot != "" {
				fmt.Printf("Sharing:    %s (%s)\n", cfg.Host.FileRoot, filetransfer.FormatRate(cfg.Host.FileRate))
			}
			return waitForSignal(a)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./freeviewer.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&rate, "rate", "", "File transfer rate limit, e.g. 2MiB/s")
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "Serve a generated test pattern instead of the screen")
	return cmd
}

func readPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password: use --password, %s or a terminal", passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pw)), nil
}

func connectCmd() *cobra.Command {
	var (
		configPath string
		password   string
		rate       string
	)

	cmd := &cobra.Command{
		Use:   "connect <machine-id>",
		Short: "Connect to a remote host",
		Long: `Connect to a remote host and open an interactive session.

Lines typed are sent as chat. Commands:
  /ls [dir]     list the host's shared folder
  /get <path>   download a file from the host
  /send <file>  upload a file to the host
  /quit         close the session`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := identity.ParseMachineID(args[0])
			if err != nil {
				return fmt.Errorf("invalid machine ID: %w", err)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := applyRate(rate, &cfg.Client.FileRate); err != nil {
				return err
			}
			if password == "" {
				if password, err = readPassword(); err != nil {
					return err
				}
			}

			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			defer a.Stop()

			sink := desktop.NewLogSink(a.Logger())
			c, err := a.NewClient(agent.Desktop{Frames: sink, Clipboard: sink, Chat: chatPrinter{}},
				func(_, to session.State) {
					fmt.Fprintf(os.Stderr, "[%s]\n", to)
				})
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := c.Connect(ctx, target, password)
			if err != nil {
				return err
			}
			fmt.Printf("Connected to %s (%s)\n", target.Format(), conn.Path())

			runPrompt(ctx, conn, conn.Done())
			return conn.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./freeviewer.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Host password (prompted when empty)")
	cmd.Flags().StringVar(&rate, "rate", "", "File transfer rate limit, e.g. 2MiB/s")
	return cmd
}

// chatPrinter shows chat from the host on stdout.
type chatPrinter struct{}

func (chatPrinter) ShowChat(msg desktop.ChatMessage) {
	from := msg.From
	if from == "" {
		from = "host"
	}
	fmt.Printf("<%s> %s\n", from, msg.Text)
}

// promptConn is the subset of a client connection the prompt drives.
type promptConn interface {
	SendChat(ctx context.Context, text string) error
	Files() *filetransfer.Manager
}

// runPrompt executes stdin lines until /quit, end of input, ctx ending or
// the session closing.
func runPrompt(ctx context.Context, conn promptConn, done <-chan struct{}) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := runLine(ctx, conn, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func runLine(ctx context.Context, conn promptConn, line string) error {
	if !strings.HasPrefix(line, "/") {
		return conn.SendChat(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit

	case "/ls":
		entries, err := conn.Files().List(ctx, arg)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir {
				fmt.Printf("  %-40s %10s\n", e.Name+"/", "")
				continue
			}
			fmt.Printf("  %-40s %10s\n", e.Name, filetransfer.FormatSize(e.Size))
		}
		return nil

	case "/get":
		if arg == "" {
			return fmt.Errorf("usage: /get <path>")
		}
		res, err := conn.Files().Pull(ctx, arg)
		if err != nil {
			return err
		}
		printResult("Downloaded", res)
		return nil

	case "/send":
		if arg == "" {
			return fmt.Errorf("usage: /send <file>")
		}
		res, err := conn.Files().Send(ctx, arg, filepath.Base(arg))
		if err != nil {
			return err
		}
		printResult("Uploaded", res)
		return nil
	}
	return fmt.Errorf("unknown command %s", cmd)
}

func printResult(verb string, res *filetransfer.Result) {
	line := fmt.Sprintf("%s %s (%s in %s)", verb, res.Name, filetransfer.FormatSize(res.Size), res.Duration.Round(time.Millisecond))
	if res.Resumed > 0 {
		line += fmt.Sprintf(", resumed at %s", filetransfer.FormatSize(res.Resumed))
	}
	fmt.Println(line)
}

func idCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Show this host's machine ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			defer a.Stop()

			id := a.MachineID()
			if !id.Valid() {
				fmt.Println("No machine ID yet; run 'freeviewer host' to claim one.")
				return nil
			}
			fmt.Println(id.Format())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./freeviewer.yaml", "Path to configuration file")
	return cmd
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the relay or host system service",
	}

	var (
		configPath string
		opts       service.Options
	)
	install := &cobra.Command{
		Use:   "install <relay|host>",
		Short: "Install and start a system service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service installation is not supported on this platform")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := service.FromConfig(args[0], configPath, cfg, opts)
			if err != nil {
				return err
			}
			if service.IsInstalled(svc.Role) {
				return fmt.Errorf("service %s is already installed", svc.Name)
			}
			return service.Install(svc)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./freeviewer.yaml", "Path to configuration file")
	install.Flags().StringVar(&opts.User, "user", "", "Run the service as this user")
	install.Flags().StringVar(&opts.Group, "group", "", "Run the service as this group")
	install.Flags().BoolVar(&opts.Synthetic, "synthetic", false, "Host serves a generated test pattern")
	install.Flags().StringVar(&opts.Rate, "rate", "", "Host file transfer rate limit, e.g. 2MiB/s")

	uninstall := &cobra.Command{
		Use:   "uninstall <relay|host>",
		Short: "Stop and remove a system service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall(args[0])
		},
	}

	status := &cobra.Command{
		Use:   "status <relay|host>",
		Short: "Show system service status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := service.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s): %s\n", service.Name(args[0]), service.Platform(), st)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Printf("freeviewer %s (%s, %s/%s)\n", info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}
