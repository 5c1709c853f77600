// Package replication implements the logical-replication message source.
// It subscribes to a replication slot with a pgoutput publication, decodes
// INSERTs on the watched table, feeds them to the message processor under a
// concurrency controller, and acknowledges LSNs so the slot can advance.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"go.pgrelay.tech/internal/common/metrics"
	"go.pgrelay.tech/internal/config"
	"go.pgrelay.tech/internal/listener"
	"go.pgrelay.tech/internal/message"
)

// standbyMessageTimeout bounds how long the server goes without a standby
// status update. Keeps the slot alive during idle periods.
const standbyMessageTimeout = 10 * time.Second

var errNotLeader = errors.New("replication: lost leadership")

// Processor handles one acquired message to resolution.
type Processor interface {
	Process(ctx context.Context, msg *message.Message)
}

// Listener supervises the replication subscription. A single goroutine runs
// the subscribe-and-read loop; on any fatal error the subscription is torn
// down and re-established after the restart-delay strategy's pause, resuming
// from the slot's last acknowledged LSN.
type Listener struct {
	kind         message.ListenerKind
	dsn          string
	slot         string
	publication  string
	schema       string
	table        string
	processor    Processor
	controller   listener.Controller
	restartDelay listener.RestartDelayStrategy

	// isLeader gates the subscription; the slot accepts one subscriber,
	// so followers idle until they win the election. Nil means always on.
	isLeader func() bool

	tracker lsnTracker

	mu      sync.Mutex
	lastErr error
	running bool
	wg      sync.WaitGroup
}

// New creates the replication listener. The DSN is extended with
// replication=database when the subscription connects.
func New(cfg *config.Config, processor Processor, controller listener.Controller, restart listener.RestartDelayStrategy, isLeader func() bool) *Listener {
	return &Listener{
		kind:         cfg.Kind,
		dsn:          cfg.DB.URL,
		slot:         cfg.Replication.Slot,
		publication:  cfg.Replication.Publication,
		schema:       cfg.DB.Schema,
		table:        cfg.DB.Table,
		processor:    processor,
		controller:   controller,
		restartDelay: restart,
		isLeader:     isLeader,
	}
}

// Name implements lifecycle.Service.
func (l *Listener) Name() string {
	return fmt.Sprintf("%s-replication-listener", l.kind)
}

// Health implements lifecycle.Service. The listener is unhealthy while its
// last subscription attempt failed and has not yet recovered.
func (l *Listener) Health() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return fmt.Errorf("replication listener not running")
	}
	if l.lastErr != nil {
		return fmt.Errorf("replication subscription degraded: %w", l.lastErr)
	}
	return nil
}

// Start implements lifecycle.Service: it runs the supervision loop and
// blocks until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	slog.Info("Replication listener starting",
		"kind", l.kind,
		"slot", l.slot,
		"publication", l.publication,
		"table", l.schema+"."+l.table)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if l.isLeader != nil && !l.isLeader() {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		err := l.subscribe(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errNotLeader) {
			slog.Info("Replication subscription released after losing leadership", "kind", l.kind)
			continue
		}

		l.setLastErr(err)
		delay := l.restartDelay.Delay(err)
		reason := "error"
		if delay >= time.Second {
			reason = "slot_in_use"
		}
		metrics.ReplicationRestarts.WithLabelValues(reason).Inc()
		slog.Error("Replication subscription failed, restarting",
			"kind", l.kind,
			"slot", l.slot,
			"restartDelay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop implements lifecycle.Service. Idempotent: the controller drains all
// acquired leases and in-flight messages are awaited.
func (l *Listener) Stop(ctx context.Context) error {
	l.controller.Cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for in-flight messages", "kind", l.kind)
	}

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	return nil
}

func (l *Listener) setLastErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// flushLSN is the position reported in standby status updates. Confirming
// an LSN tells the server everything before it may be discarded, so the
// tracker holds it below any message still being processed.
func (l *Listener) flushLSN() pglogrepl.LSN {
	lsn := l.tracker.Flush()
	metrics.ReplicationAckedLSN.Set(float64(lsn))
	return lsn
}

// subscribe opens a replication connection, starts streaming from the
// slot's confirmed position, and reads until an error or shutdown.
func (l *Listener) subscribe(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, replicationDSN(l.dsn))
	if err != nil {
		return fmt.Errorf("replication: connect: %w", err)
	}
	defer conn.Close(context.Background())

	// Start position zero resumes from the slot's confirmed_flush_lsn.
	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", l.publication),
		"messages 'true'",
		"streaming 'true'",
	}
	if err := pglogrepl.StartReplication(ctx, conn, l.slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return fmt.Errorf("replication: start on slot %s: %w", l.slot, err)
	}

	l.setLastErr(nil)
	slog.Info("Replication subscription established", "kind", l.kind, "slot", l.slot)

	state := newStreamState()
	nextStandbyDeadline := time.Now().Add(standbyMessageTimeout)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.isLeader != nil && !l.isLeader() {
			return errNotLeader
		}

		if time.Now().After(nextStandbyDeadline) {
			flush := l.flushLSN()
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: flush + 1,
				WALFlushPosition: flush + 1,
				WALApplyPosition: state.lastReceivedLSN + 1,
			}); err != nil {
				return fmt.Errorf("replication: standby status update: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("replication: receive: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return pgErrorResponse(errMsg)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			slog.Debug("Ignoring unexpected replication message", "type", fmt.Sprintf("%T", rawMsg))
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("replication: parse keepalive: %w", err)
			}
			state.lastReceivedLSN = pkm.ServerWALEnd
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("replication: parse xlog data: %w", err)
			}
			if err := l.handleXLogData(ctx, xld, state); err != nil {
				return err
			}
		}
	}
}

// handleXLogData decodes one WAL message and dispatches decoded INSERTs on
// the watched table.
func (l *Listener) handleXLogData(ctx context.Context, xld pglogrepl.XLogData, state *streamState) error {
	logicalMsg, err := pglogrepl.ParseV2(xld.WALData, state.inStream)
	if err != nil {
		return fmt.Errorf("replication: parse logical message: %w", err)
	}
	state.lastReceivedLSN = xld.ServerWALEnd

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		state.relations[m.RelationID] = m

	case *pglogrepl.InsertMessageV2:
		rel, ok := state.relations[m.RelationID]
		if !ok {
			return fmt.Errorf("replication: unknown relation id %d", m.RelationID)
		}
		if rel.Namespace != l.schema || rel.RelationName != l.table {
			return nil
		}
		msg, err := decodeInsert(rel, m.Tuple)
		if err != nil {
			slog.Error("Failed to decode replicated insert, skipping",
				"kind", l.kind, "error", err)
			return nil
		}
		return l.dispatch(ctx, msg, xld.WALStart)

	case *pglogrepl.CommitMessage:
		// Raises the confirmable ceiling; the tracker withholds it while
		// any insert of this transaction is still being processed.
		l.tracker.Commit(m.CommitLSN)

	case *pglogrepl.StreamStartMessageV2:
		state.inStream = true
	case *pglogrepl.StreamStopMessageV2:
		state.inStream = false
	case *pglogrepl.StreamCommitMessageV2:
		l.tracker.Commit(m.CommitLSN)
	}
	return nil
}

// dispatch acquires the concurrency permit in WAL order, then processes the
// message on its own goroutine. The insert's WAL position stays registered
// with the tracker until the processor resolved the message, so no commit
// past it is confirmed and an unresolved message is replayed on restart.
func (l *Listener) dispatch(ctx context.Context, msg *message.Message, lsn pglogrepl.LSN) error {
	release, err := l.controller.Acquire(ctx, msg)
	if err != nil {
		if message.HasCode(err, message.ErrListenerStopped) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("replication: acquire concurrency permit: %w", err)
	}

	l.tracker.Dispatch(lsn)
	metrics.InFlightMessages.WithLabelValues("replication").Inc()
	l.wg.Add(1)
	go func() {
		defer func() {
			release()
			metrics.InFlightMessages.WithLabelValues("replication").Dec()
			l.wg.Done()
		}()
		l.processor.Process(ctx, msg)
		l.tracker.Resolve(lsn)
	}()
	return nil
}

// replicationDSN appends the replication=database parameter that switches
// the connection into logical replication mode. Handles both URL and
// keyword/value connection strings.
func replicationDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&replication=database"
		}
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}

// pgErrorResponse converts a wire-level ErrorResponse into a PgError so the
// restart-delay strategy can recognise SQLSTATEs like 55006 (slot in use).
func pgErrorResponse(errMsg *pgproto3.ErrorResponse) error {
	return &pgconn.PgError{
		Severity: errMsg.Severity,
		Code:     errMsg.Code,
		Message:  errMsg.Message,
		Detail:   errMsg.Detail,
	}
}

// streamState carries per-subscription decoding state.
type streamState struct {
	relations       map[uint32]*pglogrepl.RelationMessageV2
	lastReceivedLSN pglogrepl.LSN
	inStream        bool
}

func newStreamState() *streamState {
	return &streamState{
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
	}
}
