// Command aoecasd serves one or more virtual disks over ATA over
// Ethernet, backed by either the content-addressed (CAS) or plain-file
// block-storage backend.
//
// Grounded on the teacher's cmd/aoed/main.go: interface binding, a
// signal-driven shutdown, and a background serve goroutine are carried
// forward, generalized from mdlayher/aoe's single-disk flag.String CLI to
// a multi-target github.com/alecthomas/kong CLI capable of serving many
// shelf/slot targets from one process.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mdlayher/raw"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	netcontext "golang.org/x/net/context"

	"github.com/shelfslot/aoecas/internal/blobstore"
	"github.com/shelfslot/aoecas/internal/blockstore"
	"github.com/shelfslot/aoecas/internal/cas"
	"github.com/shelfslot/aoecas/internal/engine"
	"github.com/shelfslot/aoecas/internal/fileblock"
	"github.com/shelfslot/aoecas/internal/targetmgr"
)

// etherTypeAoE is the AF_PACKET protocol number to bind the raw socket
// to. The teacher's server.go used syscall.ETH_P_AOE, a constant that
// does not exist in the standard syscall package; this repository names
// the same value explicitly instead, matching aoe.EtherType.
const etherTypeAoE = 0x88a2

var cli struct {
	Iface string `help:"network interface to serve AoE frames on." short:"i" required:""`

	Target []string `help:"target spec 'shelf:slot:backend:path:sectors:sectorsize[:compress]', repeatable (backend is 'cas' or 'file')." name:"target" required:""`

	MaxSectorsPerOp   uint32        `help:"largest sector count accepted in a single ATA request." default:"2048"`
	AdvertiseInterval time.Duration `help:"interval between unsolicited Config-read broadcasts; 0 disables." default:"60s"`
	MetadataInterval  time.Duration `help:"interval between CAS metadata checkpoints; 0 disables." default:"30s"`
	CacheSize         int           `help:"pointer-block LRU cache entries per CAS target." default:"4096"`

	LogLevel string `help:"zap log level." default:"info" enum:"debug,info,warn,error"`
}

func main() {
	kong.Parse(&cli)

	log, err := newLogger(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "aoecasd: logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		log.Fatal("aoecasd: exiting", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	return cfg.Build()
}

func run(log *zap.Logger) error {
	ifi, err := net.InterfaceByName(cli.Iface)
	if err != nil {
		return errors.Wrapf(err, "look up interface %q", cli.Iface)
	}

	registry := targetmgr.New()
	var checkpoints []*casCheckpoint

	for _, spec := range cli.Target {
		t, err := parseTargetSpec(spec)
		if err != nil {
			return errors.Wrapf(err, "target %q", spec)
		}

		device, cp, err := openTarget(t, log)
		if err != nil {
			return errors.Wrapf(err, "open target %q", spec)
		}
		if err := registry.Register(t.shelf, t.slot, device); err != nil {
			return errors.Wrapf(err, "register target %q", spec)
		}
		if cp != nil {
			checkpoints = append(checkpoints, cp)
		}
	}
	registry.Seal()

	eng := engine.New(registry, engine.Config{
		LocalMAC:        ifi.HardwareAddr,
		MaxSectorsPerOp: cli.MaxSectorsPerOp,
		Logger:          log,
	})

	conn, err := raw.ListenPacket(ifi, etherTypeAoE)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", cli.Iface)
	}
	defer conn.Close()
	transport := &rawTransport{conn: conn}

	ctx, cancel := netcontext.WithCancel(netcontext.Background())
	defer cancel()

	serveErrC := make(chan error, 1)
	go func() {
		log.Info("aoecasd: serving AoE", zap.String("iface", cli.Iface), zap.Int("targets", len(cli.Target)))
		serveErrC <- eng.Serve(transport, transport)
	}()
	go func() {
		if err := eng.AdvertiseLoop(ctx, transport, cli.AdvertiseInterval); err != nil {
			log.Warn("aoecasd: advertise loop stopped", zap.Error(err))
		}
	}()
	go runCheckpointLoop(ctx, log, checkpoints, cli.MetadataInterval)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigC:
		log.Info("aoecasd: caught signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		conn.Close()
		saveCheckpoints(log, checkpoints)
		return nil
	case err := <-serveErrC:
		cancel()
		saveCheckpoints(log, checkpoints)
		return err
	}
}

// targetSpec is the parsed form of one --target flag value.
type targetSpec struct {
	shelf      uint16
	slot       uint8
	backend    string
	path       string
	sectors    uint64
	sectorSize uint32
	compress   bool
}

// parseTargetSpec decodes "shelf:slot:backend:path:sectors:sectorsize[:compress]".
func parseTargetSpec(spec string) (targetSpec, error) {
	fields := strings.Split(spec, ":")
	if len(fields) < 6 {
		return targetSpec{}, errors.New("expected at least 6 colon-separated fields")
	}

	shelf, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return targetSpec{}, errors.Wrap(err, "shelf")
	}
	slot, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return targetSpec{}, errors.Wrap(err, "slot")
	}
	backend := fields[2]
	if backend != "cas" && backend != "file" {
		return targetSpec{}, errors.Errorf("backend must be 'cas' or 'file', got %q", backend)
	}
	path := fields[3]
	sectors, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return targetSpec{}, errors.Wrap(err, "sectors")
	}
	sectorSize, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return targetSpec{}, errors.Wrap(err, "sectorsize")
	}

	compress := false
	if len(fields) > 6 {
		compress, err = strconv.ParseBool(fields[6])
		if err != nil {
			return targetSpec{}, errors.Wrap(err, "compress")
		}
	}

	return targetSpec{
		shelf:      uint16(shelf),
		slot:       uint8(slot),
		backend:    backend,
		path:       path,
		sectors:    sectors,
		sectorSize: uint32(sectorSize),
		compress:   compress,
	}, nil
}

// casCheckpoint pairs a CAS backend with the file its metadata is
// persisted to (spec §4.4: "snapshot list persistence is an external
// responsibility").
type casCheckpoint struct {
	backend *cas.Backend
	path    string
}

func openTarget(t targetSpec, log *zap.Logger) (blockstore.Device, *casCheckpoint, error) {
	info := blockstore.DeviceInfo{
		Model:        "aoecas",
		Serial:       fmt.Sprintf("%04x%02x", t.shelf, t.slot),
		Firmware:     "1",
		TotalSectors: t.sectors,
		SectorSize:   t.sectorSize,
		LBA48:        t.sectors > 1<<28,
	}

	switch t.backend {
	case "file":
		dev, err := fileblock.Open(t.path, info, true)
		if err != nil {
			return nil, nil, err
		}
		return dev, nil, nil

	case "cas":
		blobDir := t.path + "/blobs"
		blobs, err := blobstore.Open(blobDir, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open blobstore")
		}
		backend, err := cas.New(blobs, cas.Config{
			Info:      info,
			Compress:  t.compress,
			CacheSize: cli.CacheSize,
			Logger:    log,
		})
		if err != nil {
			return nil, nil, err
		}

		metaPath := t.path + "/metadata.json"
		if data, err := os.ReadFile(metaPath); err == nil {
			if err := backend.LoadMetadata(data); err != nil {
				log.Warn("aoecasd: discarding unreadable metadata checkpoint", zap.String("path", metaPath), zap.Error(err))
			}
		} else if !os.IsNotExist(err) {
			return nil, nil, errors.Wrap(err, "read metadata checkpoint")
		}

		return backend, &casCheckpoint{backend: backend, path: metaPath}, nil

	default:
		return nil, nil, errors.Errorf("unknown backend %q", t.backend)
	}
}

func runCheckpointLoop(ctx netcontext.Context, log *zap.Logger, checkpoints []*casCheckpoint, interval time.Duration) {
	if interval <= 0 || len(checkpoints) == 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			saveCheckpoints(log, checkpoints)
		}
	}
}

func saveCheckpoints(log *zap.Logger, checkpoints []*casCheckpoint) {
	for _, cp := range checkpoints {
		data, err := cp.backend.SaveMetadata()
		if err != nil {
			log.Error("aoecasd: failed to build metadata checkpoint", zap.String("path", cp.path), zap.Error(err))
			continue
		}
		if err := os.WriteFile(cp.path, data, 0o644); err != nil {
			log.Error("aoecasd: failed to write metadata checkpoint", zap.String("path", cp.path), zap.Error(err))
		}
	}
}

// rawTransport adapts a raw AF_PACKET connection to engine.FrameSource and
// engine.FrameSink, grounded on the teacher's server.go conn/response
// split, collapsed here into one type since neither direction needs
// per-request state.
type rawTransport struct {
	conn net.PacketConn
}

func (t *rawTransport) ReadFrame() ([]byte, error) {
	buf := make([]byte, 2048)
	n, _, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// WriteFrame sends a fully-built Ethernet frame, addressing the raw
// socket with the destination MAC already encoded in its first 6 bytes.
func (t *rawTransport) WriteFrame(b []byte) error {
	if len(b) < 6 {
		return errors.New("aoecasd: frame too short to carry a destination address")
	}
	dst := net.HardwareAddr(append([]byte(nil), b[0:6]...))
	_, err := t.conn.WriteTo(b, &raw.Addr{HardwareAddr: dst})
	return err
}
