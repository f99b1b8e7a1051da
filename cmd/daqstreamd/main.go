package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flyrig/daqstream"
	"github.com/flyrig/daqstream/internal/npyrecorder"
	"github.com/flyrig/daqstream/internal/rundb"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <dir>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file dir/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding user home dir: %s\n", err)
	}
	dotDir := filepath.Join(home, ".daqstream")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/daqstream"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Could not open log file '%s'", pfname))
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkRealtimeHeadroom warns when the kernel caps real-time scheduling so
// tightly that the callback cadence is at risk on a loaded rig.
func checkRealtimeHeadroom() {
	val, err := sysctl.Get("kernel.sched_rt_runtime_us")
	if err != nil {
		daqstream.ProblemLogger.Printf("could not read kernel.sched_rt_runtime_us: %v", err)
		return
	}
	runtimeUS, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		daqstream.ProblemLogger.Printf("unexpected kernel.sched_rt_runtime_us value %q", val)
		return
	}
	if runtimeUS == 0 {
		daqstream.ProblemLogger.Printf("kernel.sched_rt_runtime_us is 0: real-time scheduling disabled; callback deadlines may be missed")
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	daqstream.Build.Date = buildDate
	daqstream.Build.Githash = githash
	daqstream.Build.Summary = fmt.Sprintf("daqstream version %s (git commit %s)", daqstream.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		daqstream.Build.Host = host
	} else {
		daqstream.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	device := flag.String("device", "SimDev1", "device identifier served by the simulated provider")
	dbAddr := flag.String("db", "", "ClickHouse address (host:port) for session metadata; empty disables")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is daqstream version %s\n", daqstream.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is daqstream version %s (git commit %s)\n", daqstream.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(home, ".daqstream", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	daqstream.ProblemLogger = startLogger(problemname)
	daqstream.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	daqstream.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	checkRealtimeHeadroom()

	flags := daqstream.NewSharedSessionFlags()
	flags.SetRunning(true)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		fmt.Println("Interrupt: stopping after the current session winds down")
		flags.SetRunning(false)
	}()

	control := make(chan daqstream.ControlMessage, 16)
	updates := make(chan daqstream.ClientUpdate)
	abortUpdater := make(chan struct{})
	defer close(abortUpdater)
	go daqstream.RunClientUpdater(updates, daqstream.Ports.Status, abortUpdater)

	// The concrete hardware SDK binding plugs in here; without one, the
	// simulated device provides the clock and a loopback path.
	provider := daqstream.NewSimDevice(*device)

	controller := daqstream.NewSynchronizedSessionController(flags, provider, control, updates)
	controller.NewRecorders = func(opts daqstream.SessionOptions, sessionID string) ([]daqstream.Recorder, error) {
		if opts.RecordPath == "" {
			return nil, nil
		}
		if err := os.MkdirAll(opts.RecordPath, 0775); err != nil {
			return nil, err
		}
		rec, err := npyrecorder.New(filepath.Join(opts.RecordPath, sessionID), len(opts.InputChannels))
		if err != nil {
			return nil, err
		}
		return []daqstream.Recorder{rec}, nil
	}
	if *dbAddr != "" {
		db := rundb.Connect(*dbAddr)
		if err := db.Err(); err != nil {
			daqstream.ProblemLogger.Printf("session database unavailable: %v", err)
		}
		defer db.Close()
		controller.DB = db
	}
	go controller.Run()

	daqstream.RunRPCServer(control, flags, updates, daqstream.Ports.RPC)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
