package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nfcgate/relayd/plugins/example"
	"github.com/nfcgate/relayd/plugins/geoip"
	"github.com/nfcgate/relayd/plugins/nfclog"
	"github.com/nfcgate/relayd/plugins/stats"
	"github.com/nfcgate/relayd/services/apdu"
	"github.com/nfcgate/relayd/services/dispatch"
	"github.com/nfcgate/relayd/services/eventlog"
	"github.com/nfcgate/relayd/services/filter"
	"github.com/nfcgate/relayd/services/kernel"
	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/overseer"
	"github.com/nfcgate/relayd/services/relay"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/restd"
	"github.com/nfcgate/relayd/services/retention"
	"github.com/nfcgate/relayd/services/settings"
	"github.com/nfcgate/relayd/services/zmqd"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "development"

func main() {
	logger.Startup()

	pluginNames := parseArguments()

	startServices()

	handleSignals()

	// Start the plugins
	logger.Info("Starting plugins...\n")
	startPlugins()

	// The chain can only be fixed after every plugin had a chance to
	// register its filter capability
	if unknown := filter.SetChain(pluginNames); len(unknown) > 0 {
		logger.Err("Unknown plugins: %s\n", strings.Join(unknown, " "))
		os.Exit(1)
	}
	if len(pluginNames) > 0 {
		logger.Info("Filter chain: %s\n", strings.Join(filter.ChainNames(), " "))
	}

	// Start the relay listener AFTER all services and plugins are ready
	logger.Info("Starting relay listener...\n")
	relay.Startup()

	// Wait until the shutdown flag is set
	for !kernel.GetShutdownFlag() {
		select {
		case <-kernel.GetShutdownChannel():
			logger.Info("Shutdown channel initiated... %v\n", kernel.GetShutdownFlag())
		case <-time.After(1 * time.Hour):
			logger.Info(".\n")
			printStats()
		}
	}
	logger.Info("Shutdown initiated...\n")

	// Stop all plugins
	logger.Info("Stopping plugins...\n")
	stopPlugins()

	// Stop services
	logger.Info("Stopping services...\n")
	stopServices()
}

func printVersion() {
	logger.Info("NFCGate Relay Daemon Version %s\n", Version)
}

// parseArguments parses the command line arguments and returns the
// positional plugin names
func parseArguments() []string {
	versionPtr := flag.Bool("version", false, "version")
	timestampPtr := flag.Bool("no-timestamp", false, "disable timestamp in logging")
	configFilePtr := flag.String("config", "", "optional YAML configuration file")
	tlsPtr := flag.Bool("tls", false, "enable TLS on the relay socket")
	tlsCertPtr := flag.String("tls_cert", "", "TLS certificate file (PEM)")
	tlsKeyPtr := flag.String("tls_key", "", "TLS key file (PEM)")

	flag.Parse()

	if *versionPtr {
		printVersion()
		os.Exit(0)
	}

	if *timestampPtr {
		logger.DisableTimestamp()
	}

	if *configFilePtr == "" {
		*configFilePtr = os.Getenv("NFCGATE_CONFIG")
	}
	if *configFilePtr != "" {
		settings.SetConfigFile(*configFilePtr)
	}

	if *tlsPtr && (*tlsCertPtr == "" || *tlsKeyPtr == "") {
		fmt.Fprintf(os.Stderr, "-tls requires both -tls_cert and -tls_key\n")
		os.Exit(1)
	}
	relay.SetTLS(*tlsPtr, *tlsCertPtr, *tlsKeyPtr)

	return flag.Args()
}

// startServices starts all the services
func startServices() {
	logger.Info("Starting services...\n")

	printVersion()

	kernel.Startup()
	settings.Startup()
	overseer.Startup()
	reports.Startup()
	zmqd.Startup()
	apdu.Startup()
	eventlog.Startup()
	dispatch.Startup()
	filter.Startup()
	retention.Startup()
	restd.Startup()
}

// stopServices stops all the services
func stopServices() {
	c := make(chan bool)
	go func() {
		relay.Shutdown()
		restd.Shutdown()
		retention.Shutdown()
		filter.Shutdown()
		dispatch.Shutdown()
		eventlog.Shutdown()
		apdu.Shutdown()
		zmqd.Shutdown()
		reports.Shutdown()
		overseer.Shutdown()
		settings.Shutdown()
		kernel.Shutdown()
		logger.Shutdown()
		c <- true
	}()

	select {
	case <-c:
	case <-time.After(10 * time.Second):
		// can't use logger as it may be stopped
		fmt.Printf("ERROR: Failed to properly shutdown services\n")
		time.Sleep(1 * time.Second)
	}
}

// startPlugins starts all the plugins (in parallel)
func startPlugins() {
	var wg sync.WaitGroup

	startups := []func(){
		example.PluginStartup,
		nfclog.PluginStartup,
		geoip.PluginStartup,
		stats.PluginStartup}
	for _, f := range startups {
		wg.Add(1)
		go func(f func()) {
			f()
			wg.Done()
		}(f)
	}

	wg.Wait()
}

// stopPlugins stops all the plugins (in parallel)
func stopPlugins() {
	var wg sync.WaitGroup

	shutdowns := []func(){
		example.PluginShutdown,
		nfclog.PluginShutdown,
		geoip.PluginShutdown,
		stats.PluginShutdown}
	for _, f := range shutdowns {
		wg.Add(1)
		go func(f func()) {
			f()
			wg.Done()
		}(f)
	}

	wg.Wait()
}

// Add signal handlers
func handleSignals() {
	// Add SIGINT & SIGTERM handler (exit)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		go func() {
			logger.Warn("Received signal [%v]. Setting shutdown flag\n", sig)
			kernel.SetShutdownFlag()
		}()
	}()

	// Add SIGQUIT handler (dump thread stack trace)
	quitch := make(chan os.Signal, 1)
	signal.Notify(quitch, syscall.SIGQUIT)
	go func() {
		for {
			<-quitch
			go dumpStack()
		}
	}()
}

// prints some basic stats about the daemon
func printStats() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logger.Info("Memory Stats:\n")
	logger.Info("Memory Alloc: %d kB\n", (mem.Alloc / 1024))
	logger.Info("Memory TotalAlloc: %d kB\n", (mem.TotalAlloc / 1024))
	logger.Info("Memory HeapAlloc: %d kB\n", (mem.HeapAlloc / 1024))
	logger.Info("Memory HeapSys: %d kB\n", (mem.HeapSys / 1024))

	logger.Info("Sessions: %d\n", dispatch.SessionCount())
	logger.Info("Connections: %d\n", overseer.GetCounter("relay_connection"))
	logger.Info("Frames: %d\n", overseer.GetCounter("relay_frame"))
	logger.Info("Log rows: %d\n", overseer.GetCounter("eventlog_row"))
}

// dumpStack to /tmp/relayd.stack and log
func dumpStack() {
	buf := make([]byte, 1<<20)
	stacklen := runtime.Stack(buf, true)
	os.WriteFile("/tmp/relayd.stack", buf[:stacklen], 0644)
	logger.Warn("Printing Thread Dump...\n")
	logger.Warn("\n\n%s\n\n", buf[:stacklen])
	logger.Warn("Thread dump complete.\n")
}
