package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	traceagent "github.com/tracehq/TraceAgent"
	"github.com/tracehq/TraceAgent/internal/env"
	"github.com/tracehq/TraceAgent/internal/platform"
)

var (
	flagServer   string
	flagInterval int
	flagRegister string
	flagDebug    bool
	flagShowInfo bool
	flagTest     bool
)

var rootCmd = &cobra.Command{
	Use:   "traceagent",
	Short: "Endpoint agent reporting device location to a Trace server",
	Long: `traceagent registers this device with a Trace server, then
periodically reports its location and executes remote commands
(lock, restart, screenshot, diagnostics) delivered in ping responses.`,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Trace server API base URL")
	rootCmd.Flags().IntVarP(&flagInterval, "interval", "i", 0, "ping interval in seconds")
	rootCmd.Flags().StringVarP(&flagRegister, "register", "r", "", "registration code for first enrollment")
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flagShowInfo, "show-info", false, "print device identity and current location, then exit")
	rootCmd.Flags().BoolVar(&flagTest, "test", false, "send a single ping, then exit")
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("traceagent failed")
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	if flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, err := traceagent.NewSessionStore(traceagent.DefaultConfigDir())
	if err != nil {
		log.Fatal().Err(err).Msg("open config directory failed")
	}
	session := store.Load()
	applyFlagOverrides(session)
	if err := store.Save(session); err != nil {
		log.Warn().Err(err).Msg("persist agent config failed")
	}

	platformOps, err := platform.NewDefault()
	if err != nil {
		return err
	}

	client, err := traceagent.NewTraceAPIClient(session, store, traceagent.TraceAPIClientOptions{})
	if err != nil {
		return err
	}
	info := traceagent.NewInfoProvider(platformOps)
	location := traceagent.NewLocationProvider(session, platformOps, traceagent.LocationProviderOptions{})
	executor := traceagent.NewExecutor(session, store, platformOps, client)

	var journal traceagent.Journal
	sqlJournal, err := traceagent.NewSQLiteJournal(store.Dir())
	if err != nil {
		log.Warn().Err(err).Msg("open local journal failed; history disabled")
	} else {
		defer sqlJournal.Close()
		journal = sqlJournal
	}

	if flagShowInfo {
		return showInfo(cmd.Context(), info, location, sqlJournal)
	}

	agent, err := traceagent.NewAgent(traceagent.AgentConfig{
		Session:          session,
		Store:            store,
		Client:           client,
		Location:         location,
		Info:             info,
		Executor:         executor,
		Journal:          journal,
		RegistrationCode: flagRegister,
	})
	if err != nil {
		return err
	}

	if flagTest {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := agent.RunOnce(ctx); err != nil {
			return err
		}
		fmt.Println("ping ok")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !session.Registered() {
		if client.CheckConnectivity(ctx) {
			log.Debug().Msg("server reachable")
		} else {
			log.Warn().Msg("server health probe failed; registration will retry until reachable")
		}
	}

	group := traceagent.NewSafeGroup(ctx)
	group.GoSafe("agent-loop", agent.Run)
	err = group.WaitOrInterrupt(30 * time.Second)
	executor.Wait()
	if err != nil && ctx.Err() != nil {
		log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

func applyFlagOverrides(session *traceagent.Session) {
	if flagServer != "" {
		session.ServerURL = flagServer
	}
	if flagInterval > 0 {
		session.PingInterval = flagInterval
	}
}

func showInfo(ctx context.Context, info *traceagent.InfoProvider, location *traceagent.LocationProvider, journal *traceagent.SQLiteJournal) error {
	snapshot := info.Describe(ctx)
	fmt.Printf("Hostname:      %s\n", snapshot.Hostname)
	fmt.Printf("Serial number: %s\n", snapshot.SerialNumber)
	fmt.Printf("Machine ID:    %s\n", snapshot.MachineID)
	fmt.Printf("OS:            %s/%s\n", snapshot.OSName, snapshot.OSArch)
	if snapshot.BatteryPercent != nil {
		state := "on battery"
		if snapshot.PowerPlugged {
			state = "plugged in"
		}
		fmt.Printf("Battery:       %d%% (%s)\n", *snapshot.BatteryPercent, state)
	} else {
		fmt.Println("Battery:       not available")
	}

	sample := location.Collect(ctx)
	if sample.Valid() {
		fmt.Printf("Location:      %.5f, %.5f (%s)\n", *sample.Latitude, *sample.Longitude, sample.Source)
	} else {
		fmt.Println("Location:      not available")
	}
	if sample.IPAddress != "" {
		fmt.Printf("Public IP:     %s\n", sample.IPAddress)
	}
	if sample.WiFiSSID != "" {
		fmt.Printf("Wi-Fi:         %s\n", sample.WiFiSSID)
	}

	if journal != nil {
		if last, err := journal.LastSuccessfulPing(); err == nil && last != nil {
			fmt.Printf("Last ping:     %s\n", last.ReportedAt.Local().Format(time.RFC1123))
		}
	}
	return nil
}
