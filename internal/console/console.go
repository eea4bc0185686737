package console

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Service tunnels browser VNC sessions through to the cluster: one ticket
// call against the API, then raw binary frames copied in both directions.
type Service struct {
	store    *store.Store
	registry *proxmox.Registry

	upgrader websocket.Upgrader
}

func NewService(s *store.Store, registry *proxmox.Registry) *Service {
	return &Service{
		store:    s,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"binary"},
			// The session cookie was already checked by the middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Tunnel upgrades the caller's connection and splices it to the VM's VNC
// websocket on the cluster node. Blocks until either side closes.
func (s *Service) Tunnel(w http.ResponseWriter, r *http.Request, clusterID string, vmid int) error {
	vm, err := s.store.GetVM(clusterID, vmid)
	if err != nil {
		return err
	}
	cluster, err := s.store.GetCluster(clusterID)
	if err != nil {
		return err
	}
	client, err := s.registry.Get(clusterID)
	if err != nil {
		return err
	}

	// 1. Mint the VNC ticket before touching the caller's connection, so a
	// failure can still produce a proper HTTP error.
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	ticket, err := client.VNCProxy(ctx, vm.Node, string(vm.Type), vmid)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: vncproxy failed: %v", apierr.ErrClusterUnreachable, err)
	}

	// 2. Dial the node's websocket endpoint with the API ticket as cookie.
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !cluster.VerifyTLS},
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"binary"},
	}
	header := http.Header{}
	header.Set("Cookie", "PVEAuthCookie="+client.Ticket())

	upstream, resp, err := dialer.Dial(client.VNCWebsocketURL(vm.Node, string(vm.Type), vmid, ticket), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: node websocket refused (status %d)", apierr.ErrClusterUnreachable, resp.StatusCode)
		}
		return fmt.Errorf("%w: node websocket dial failed: %v", apierr.ErrClusterUnreachable, err)
	}
	defer upstream.Close()

	// 3. Upgrade the caller last; from here on errors can only be logged.
	downstream, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil // Upgrade already wrote the HTTP error
	}
	defer downstream.Close()

	log.Info().Str("cluster", clusterID).Int("vmid", vmid).Msg("console tunnel established")
	splice(downstream, upstream)
	log.Debug().Int("vmid", vmid).Msg("console tunnel closed")
	return nil
}

// splice copies binary frames both ways until either connection drops, then
// tears both down.
func splice(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)

	copyFrames := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, payload, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}

	go copyFrames(a, b)
	go copyFrames(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}
