package daqstream

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// SessionControl is the RPC sub-server that translates remote calls into
// messages on the ordered control channel. The engine itself never sees
// the network; it sees ControlMessages.
type SessionControl struct {
	control  chan<- ControlMessage
	flags    *SharedSessionFlags
	updates  chan<- ClientUpdate
	defaults SessionOptions
	status   ServerStatus
}

// ServerStatus is the status that SessionControl reports to clients.
type ServerStatus struct {
	Running      bool
	DaqReady     bool
	FrameCounter int64
	SourceName   string
	Version      string
}

// enqueue pushes a control message without ever blocking the RPC
// goroutine on the engine. The control channel is buffered; a full queue
// means the engine is wedged and the caller should know.
func (s *SessionControl) enqueue(msg ControlMessage) error {
	select {
	case s.control <- msg:
		return nil
	default:
		return fmt.Errorf("control queue is full; engine not consuming messages")
	}
}

// StartSession requests a new session with the given options. Options
// left at zero values fall back to the stored defaults from the config
// file. The session begins when the engine reaches the message; watch
// the DAQREADY status topic for confirmation.
func (s *SessionControl) StartSession(opts *SessionOptions, reply *bool) error {
	merged := s.defaults
	if opts != nil && opts.Device != "" {
		merged = *opts
	}
	log.Printf("StartSession: device %s, in %v, out %v, rate %.1f\n",
		merged.Device, merged.InputChannels, merged.OutputChannels, merged.SampleRate)
	if err := s.enqueue(StartSessionMessage{Options: merged}); err != nil {
		return err
	}
	s.defaults = merged
	viper.Set("session", merged)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not persist session options: %v", err)
	}
	*reply = true
	return nil
}

// SineStimulus holds the RPC arguments for PlaySine.
type SineStimulus struct {
	Frequency   float64
	Amplitude   float64
	Phase       float64
	SampleRate  float64
	DurationMS  int
	PreSilence  int // milliseconds
	PostSilence int // milliseconds
	Nchan       int
	Limit       float64
}

// PlaySine hot-swaps the output source to a sinusoidal stimulus. The
// amplitude check happens here, before the producer ever reaches the
// callback path.
func (s *SessionControl) PlaySine(args *SineStimulus, reply *bool) error {
	log.Printf("PlaySine: %.1f Hz, amplitude %.2f V\n", args.Frequency, args.Amplitude)
	producer, err := NewSineProducer(args.Frequency, args.Amplitude, args.Phase, args.SampleRate,
		time.Duration(args.DurationMS)*time.Millisecond,
		time.Duration(args.PreSilence)*time.Millisecond,
		time.Duration(args.PostSilence)*time.Millisecond,
		args.Nchan, args.Limit)
	if err != nil {
		return err
	}
	if err := s.enqueue(NewSourceMessage{Producer: producer}); err != nil {
		return err
	}
	s.status.SourceName = fmt.Sprintf("sine %.1fHz", args.Frequency)
	*reply = true
	return nil
}

// PatternStimulus holds the RPC arguments for PlayPattern.
type PatternStimulus struct {
	High   float64
	Length int
	Nchan  int
	Limit  float64
}

// PlayPattern hot-swaps the output source to an alternating low/high
// block pattern.
func (s *SessionControl) PlayPattern(args *PatternStimulus, reply *bool) error {
	log.Printf("PlayPattern: level %.2f, %d frames per block\n", args.High, args.Length)
	producer, err := NewPatternProducer(args.High, args.Length, args.Nchan, args.Limit)
	if err != nil {
		return err
	}
	if err := s.enqueue(NewSourceMessage{Producer: producer}); err != nil {
		return err
	}
	s.status.SourceName = fmt.Sprintf("pattern %.1f x%d", args.High, args.Length)
	*reply = true
	return nil
}

// Stop clears the Running flag. The engine observes it within one poll
// interval, tears down any active session, and exits its outer loop.
func (s *SessionControl) Stop(dummy *string, reply *bool) error {
	log.Printf("Stop requested\n")
	s.flags.SetRunning(false)
	*reply = true
	return nil
}

// SendAllStatus causes a broadcast to clients containing all
// broadcastable status info.
func (s *SessionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	*reply = true
	return nil
}

func (s *SessionControl) broadcastStatus() {
	s.status.Running = s.flags.Running()
	s.status.DaqReady = s.flags.DaqReady()
	s.status.FrameCounter = s.flags.FrameCounter()
	s.status.Version = Build.Version
	s.updates <- ClientUpdate{tag: "STATUS", state: s.status}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the
// control surface. It blocks forever.
func RunRPCServer(control chan<- ControlMessage, flags *SharedSessionFlags,
	messageChan chan<- ClientUpdate, portrpc int) {

	sessionControl := &SessionControl{
		control: control,
		flags:   flags,
		updates: messageChan,
	}

	// Load stored session options from the config file, if present.
	if err := viper.UnmarshalKey("session", &sessionControl.defaults); err != nil {
		ProblemLogger.Printf("no stored session options: %v", err)
	}
	log.Printf("daqstream is using config file %s\n", viper.ConfigFileUsed())

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sessionControl.broadcastStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(sessionControl); err != nil {
		log.Fatal("rpc register error: " + err.Error())
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
