package web

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joestump/sdrhub/internal/proto"
	"github.com/joestump/sdrhub/internal/registry"
)

const writeTimeout = 10 * time.Second

// nodeIDFromCookie extracts the node identity every node-side request must
// carry.
func nodeIDFromCookie(r *http.Request) (uuid.UUID, error) {
	c, err := r.Cookie("node_id")
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(c.Value)
}

// handleNodeControl runs the control session for one node: admission into the
// registry, the outbound pump draining the control inbox, and the inbound
// dispatch loop. The session owns the node's registry entry; whatever way the
// connection ends, the entry is removed and all attached data loops and
// viewer streams are torn down.
func (s *Server) handleNodeControl(w http.ResponseWriter, r *http.Request) {
	nodeID, err := nodeIDFromCookie(r)
	if err != nil {
		log.Printf("control: missing or invalid node_id cookie: %v", err)
		http.Error(w, "missing or invalid node_id cookie", http.StatusBadRequest)
		return
	}

	sess, inbox, err := s.registry.AdmitControl(nodeID)
	if err != nil {
		log.Printf("control: node with control worker already connected tried to connect: %s", nodeID)
		http.Error(w, "control session already exists", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Remove(nodeID)
		log.Printf("control: upgrade failed for %s: %v", nodeID, err)
		return
	}

	log.Printf("control: node connected: %s", nodeID)

	go controlWritePump(conn, inbox, nodeID)
	s.controlReadLoop(conn, sess, nodeID)
}

// controlWritePump frames every message enqueued on the control inbox onto
// the wire, preserving enqueue order. It exits when the inbox closes (the
// session was removed) and then closes the transport, which also unblocks the
// read loop if it is still running.
func controlWritePump(conn *websocket.Conn, inbox <-chan proto.ToNode, nodeID uuid.UUID) {
	for msg := range inbox {
		frame, err := proto.EncodeToNode(msg)
		if err != nil {
			log.Printf("control: encode for %s: %v", nodeID, err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Printf("control: write to %s: %v", nodeID, err)
		}
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

func (s *Server) controlReadLoop(conn *websocket.Conn, sess *registry.Session, nodeID uuid.UUID) {
	// Removal closes the inbox, which in turn lets the write pump drain any
	// final frame (an Error with terminate set, for instance) and close the
	// transport.
	defer func() {
		log.Printf("control: removing node: %s", nodeID)
		s.registry.Remove(nodeID)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("control: node disconnected: %s: %v", nodeID, err)
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Printf("control: unexpected %d frame from %s", msgType, nodeID)
			continue
		}

		msg, err := proto.DecodeToHub(data)
		if err != nil {
			log.Printf("control: bad frame from %s: %v", nodeID, err)
			continue
		}
		sess.Touch(time.Now().UTC())

		switch msg := msg.(type) {
		case proto.RequestConfig:
			cfg, err := s.store.GetOrSeedConfig(nodeID, s.cfg.DefaultNodeConfig)
			if err != nil {
				log.Printf("control: config lookup for %s: %v", nodeID, err)
				if err := sess.EnqueueControl(proto.ErrorMsg{Msg: "configuration storage failed", Terminate: true}); err != nil {
					log.Printf("control: enqueue error frame for %s: %v", nodeID, err)
				}
				return
			}
			if err := sess.EnqueueControl(proto.SendConfig{Config: cfg}); err != nil {
				log.Printf("control: enqueue config for %s: %v", nodeID, err)
			}

		case proto.AckConfig:
			log.Printf("control: ack config from %s: %+v", nodeID, msg.Config)
		}
	}
}
