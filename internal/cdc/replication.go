package cdc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
)

const (
	OutputPlugin = "pgoutput"

	standbyTimeout = 10 * time.Second

	// MaxSlotNameLength is the longest replication slot name Postgres accepts.
	MaxSlotNameLength = 63
)

// SlotName returns the replication slot streaming table. A slot serves one
// connection at a time, so every table gets its own. The result only holds
// lower case letters, digits and underscores.
func SlotName(base, table string) string {
	name := strings.ToLower(base + "_" + table)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	Aliases         Aliases
}

func (c *ReplicationConfig) connString(replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
	if replication {
		s += " replication=database"
	}
	return s
}

// PostgresFeed streams row changes through pgoutput logical replication,
// one slot per table. Cursors are WAL positions.
type PostgresFeed struct {
	config *ReplicationConfig
	log    zerolog.Logger

	mu    sync.Mutex
	acked map[string]pglogrepl.LSN
}

func NewPostgresFeed(config *ReplicationConfig, log zerolog.Logger) *PostgresFeed {
	if config.Aliases == nil {
		config.Aliases = DefaultAliases()
	}
	return &PostgresFeed{
		config: config,
		log:    log.With().Str("feed", "postgres").Logger(),
		acked:  make(map[string]pglogrepl.LSN),
	}
}

// Ack records that everything up to cursor is checkpointed for table. The
// slot is then allowed to release the WAL before it.
func (f *PostgresFeed) Ack(table string, cursor *Cursor) {
	if cursor.IsZero() {
		return
	}
	lsn, err := pglogrepl.ParseLSN(cursor.Data)
	if err != nil {
		f.log.Warn().Err(err).Str("table", table).Str("cursor", cursor.Data).Msg("ignoring ack with invalid cursor")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if lsn > f.acked[table] {
		f.acked[table] = lsn
	}
}

func (f *PostgresFeed) ackedLSN(table string) pglogrepl.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[table]
}

func (f *PostgresFeed) Subscribe(ctx context.Context, table string, resumeAfter *Cursor, handler EventHandler) error {
	var startLSN pglogrepl.LSN
	if !resumeAfter.IsZero() {
		lsn, err := pglogrepl.ParseLSN(resumeAfter.Data)
		if err != nil {
			return fmt.Errorf("invalid resume cursor %q: %w", resumeAfter.Data, err)
		}
		startLSN = lsn
	}

	if err := f.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := newReplicationClient(f.config, table, handler)
	client.acked = func() pglogrepl.LSN { return f.ackedLSN(table) }
	if err := client.connect(ctx); err != nil {
		return err
	}
	defer client.close(context.Background())

	if err := client.createSlotIfNotExists(ctx); err != nil {
		return err
	}

	if err := client.startReplication(ctx, startLSN); err != nil {
		return err
	}

	f.log.Info().
		Str("table", table).
		Str("slot", client.slot).
		Str("start_lsn", startLSN.String()).
		Msg("logical replication started")

	for {
		if err := client.receiveMessage(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (f *PostgresFeed) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		f.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx,
			fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pgx.Identifier{f.config.PublicationName}.Sanitize()),
		)
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		f.log.Info().Str("publication", f.config.PublicationName).Msg("created publication")
	}

	return nil
}

type replicationClient struct {
	config    *ReplicationConfig
	table     string
	slot      string
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	handler   EventHandler

	// confirmed is the position the subscription started from. Standby
	// updates report the later of it and acked, the last checkpointed
	// position, so the slot never releases WAL that was not yet written.
	confirmed  pglogrepl.LSN
	acked      func() pglogrepl.LSN
	nextStatus time.Time
	commitTime time.Time
	xid        uint32
}

func newReplicationClient(config *ReplicationConfig, table string, handler EventHandler) *replicationClient {
	return &replicationClient{
		config:    config,
		table:     table,
		slot:      SlotName(config.SlotName, table),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
		handler:   handler,
	}
}

func (rc *replicationClient) connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString(true))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	rc.conn = conn
	return nil
}

func (rc *replicationClient) createSlotIfNotExists(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.slot,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}
	return nil
}

func (rc *replicationClient) startReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(ctx, rc.conn, rc.slot, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments})
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	rc.confirmed = startLSN
	rc.nextStatus = time.Now().Add(standbyTimeout)
	return nil
}

func (rc *replicationClient) receiveMessage(ctx context.Context) error {
	if !time.Now().Before(rc.nextStatus) {
		if err := rc.sendStandbyStatusUpdate(ctx); err != nil {
			return err
		}
	}

	recvCtx, cancel := context.WithDeadline(ctx, rc.nextStatus)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) && ctx.Err() == nil {
			return rc.sendStandbyStatusUpdate(ctx)
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *replicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return rc.sendStandbyStatusUpdate(ctx)
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse xlog data: %w", err)
		}
		return rc.processWALData(ctx, xld)
	}

	return nil
}

func (rc *replicationClient) processWALData(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	cursor := &Cursor{Data: xld.WALStart.String()}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		rc.commitTime = msg.CommitTime
		rc.xid = msg.Xid

	case *pglogrepl.InsertMessage:
		return rc.emit(ctx, msg.RelationID, OperationInsert, cursor, msg.Tuple, nil)

	case *pglogrepl.UpdateMessage:
		return rc.emit(ctx, msg.RelationID, OperationUpdate, cursor, msg.NewTuple, msg.OldTuple)

	case *pglogrepl.DeleteMessage:
		return rc.emit(ctx, msg.RelationID, OperationDelete, cursor, nil, msg.OldTuple)

	case *pglogrepl.TruncateMessage:
		for _, relID := range msg.RelationIDs {
			if rel, ok := rc.relations[relID]; ok && rel.RelationName == rc.table {
				return rc.handler.HandleChange(ctx, &ChangeEvent{
					Cursor:      cursor,
					Operation:   OperationDrop,
					ClusterTime: rc.clusterTime(),
					Collection:  rc.table,
				})
			}
		}
	}

	return nil
}

func (rc *replicationClient) emit(ctx context.Context, relationID uint32, op OperationType, cursor *Cursor, newTuple, oldTuple *pglogrepl.TupleData) error {
	rel, ok := rc.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", relationID)
	}
	if rel.RelationName != rc.table {
		return nil
	}

	event := &ChangeEvent{
		Cursor:      cursor,
		Operation:   op,
		ClusterTime: rc.clusterTime(),
		Collection:  rc.table,
	}

	if newTuple != nil {
		event.FullDocument = rc.config.Aliases.Apply(rc.tupleToMap(rel, newTuple))
	}

	keySource := newTuple
	if oldTuple != nil {
		keySource = oldTuple
	}
	if keySource != nil {
		values := rc.config.Aliases.Apply(rc.tupleToMap(rel, keySource))
		event.DocumentKey = extractPrimaryKey(rel, rc.config.Aliases, values)
	}

	return rc.handler.HandleChange(ctx, event)
}

func (rc *replicationClient) clusterTime() *ClusterTime {
	if rc.commitTime.IsZero() {
		return nil
	}
	return &ClusterTime{High: uint32(rc.commitTime.Unix()), Low: rc.xid}
}

// position is the WAL position reported as flushed to the server.
func (rc *replicationClient) position() pglogrepl.LSN {
	pos := rc.confirmed
	if rc.acked != nil {
		if acked := rc.acked(); acked > pos {
			pos = acked
		}
	}
	return pos
}

func (rc *replicationClient) sendStandbyStatusUpdate(ctx context.Context) error {
	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: rc.position(),
	}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status); err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	rc.nextStatus = time.Now().Add(standbyTimeout)
	return nil
}

func (rc *replicationClient) close(ctx context.Context) error {
	if rc.conn != nil {
		return rc.conn.Close(ctx)
	}
	return nil
}

func (rc *replicationClient) tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	values := make(map[string]interface{})

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		column := rel.Columns[i]

		switch col.DataType {
		case 'n':
			values[column.Name] = nil
		case 't':
			values[column.Name] = rc.decodeText(column.DataType, col.Data)
		}
	}

	return values
}

func (rc *replicationClient) decodeText(oid uint32, data []byte) interface{} {
	dt, ok := rc.typeMap.TypeForOID(oid)
	if !ok {
		return string(data)
	}

	val, err := dt.Codec.DecodeValue(rc.typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return string(data)
	}

	if num, ok := val.(pgtype.Numeric); ok {
		f, err := num.Float64Value()
		if err != nil || !f.Valid {
			return string(data)
		}
		return f.Float64
	}

	return val
}

func extractPrimaryKey(rel *pglogrepl.RelationMessage, aliases Aliases, values map[string]interface{}) map[string]interface{} {
	pk := make(map[string]interface{})

	for _, col := range rel.Columns {
		if col.Flags != 1 {
			continue
		}
		name := col.Name
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		if val, ok := values[name]; ok {
			pk[name] = val
		}
	}

	return pk
}
