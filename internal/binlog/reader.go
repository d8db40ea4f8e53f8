package binlog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// Options configures the replication connection
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string // mysql, mariadb

	PositionFile string
	// Start is used when PositionFile holds no position, typically the
	// server's current binlog position so history is not replayed.
	Start mysql.Position
}

// Reader handles reading binlog events from MySQL
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	position     mysql.Position
	positionFile string
	logger       *logrus.Logger
}

// NewReader starts syncing from the saved position, or from opts.Start
func NewReader(opts Options, logger *logrus.Logger) (*Reader, error) {
	if opts.Flavor == "" {
		opts.Flavor = mysql.MySQLFlavor
	}

	position := opts.Start
	saved, err := LoadPosition(opts.PositionFile)
	if err != nil {
		return nil, err
	}
	if saved.Name != "" {
		position = saved
		logger.Infof("Loaded binlog position from file: %s", position)
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: opts.ServerID,
		Flavor:   opts.Flavor,
		Host:     opts.Host,
		Port:     uint16(opts.Port),
		User:     opts.User,
		Password: opts.Password,
	})

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s", position)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: opts.PositionFile,
		logger:       logger,
	}, nil
}

// ReadEvent waits for the next binlog event. The position is saved on
// rotation and at every transaction commit.
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	event, err := r.streamer.GetEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get binlog event: %w", err)
	}

	switch e := event.Event.(type) {
	case *replication.RotateEvent:
		r.position = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
	case *replication.XIDEvent:
		if event.Header.LogPos > 0 {
			r.position.Pos = event.Header.LogPos
		}
	default:
		return event, nil
	}

	if err := SavePosition(r.positionFile, r.position); err != nil {
		r.logger.Warnf("Failed to save position: %v", err)
	}
	return event, nil
}

// Position returns the last saved position
func (r *Reader) Position() mysql.Position {
	return r.position
}

// Close closes the binlog reader
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}

// LoadPosition reads a "filename:position" file. A missing or empty file
// yields the zero position.
func LoadPosition(path string) (mysql.Position, error) {
	if path == "" {
		return mysql.Position{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mysql.Position{}, nil
		}
		return mysql.Position{}, fmt.Errorf("failed to read position file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return mysql.Position{}, nil
	}
	// Filenames may contain colons; the offset follows the last one.
	i := strings.LastIndex(text, ":")
	if i <= 0 || i == len(text)-1 {
		return mysql.Position{Name: text, Pos: 4}, nil
	}
	pos, err := strconv.ParseUint(text[i+1:], 10, 32)
	if err != nil {
		return mysql.Position{Name: text, Pos: 4}, nil
	}
	return mysql.Position{Name: text[:i], Pos: uint32(pos)}, nil
}

// SavePosition writes pos as "filename:position"
func SavePosition(path string, pos mysql.Position) error {
	if path == "" || pos.Name == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%s:%d", pos.Name, pos.Pos)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
