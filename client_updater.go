package daqstream

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest daqstream state over a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries a message to be published on the status port:
// a topic tag frame followed by a JSON payload frame.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// NewClientUpdate builds an update for components feeding the updater
// channel from outside this package.
func NewClientUpdate(tag string, state interface{}) ClientUpdate {
	return ClientUpdate{tag: tag, state: state}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, so clients can follow session state, DAQ readiness,
// and monitor statistics without polling.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			payload, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("cannot encode %q update: %s", update.tag, spew.Sdump(update.state))
				continue
			}
			UpdateLogger.Printf("%s %s", update.tag, payload)
			if _, err := pubSocket.SendMessage(update.tag, payload); err != nil {
				ProblemLogger.Printf("cannot publish %q update: %v", update.tag, err)
			}
		}
	}
}
