package homekit

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hklog "github.com/brutella/hap/log"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/swout"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "swout"
const homeKitBridgeAuthor = "github.com/hubertat"
const switchTimeoutSeconds = 10

// Switcher is the part of the output registry the bridge drives.
type Switcher interface {
	List() []swout.Output
	Enable(ctx context.Context, id uint64) (swout.Output, error)
	Disable(ctx context.Context, id uint64) (swout.Output, error)
}

type Config struct {
	Name      string
	Pin       string
	Directory string
	Address   string
	Debug     bool
}

type outlet struct {
	id    uint64
	hk    *accessory.Outlet
	fault *characteristic.StatusFault
}

// Bridge exposes every output as a HomeKit outlet. A faulted output shows
// up with a general StatusFault. Accessories are fixed when the server
// starts, outputs created later appear after a restart.
type Bridge struct {
	cfg     Config
	outputs Switcher
	logger  *log.Logger

	lock    sync.Mutex
	outlets map[uint64]*outlet
}

func NewBridge(cfg Config, outputs Switcher) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		outputs: outputs,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "HomeKit",
			Level:  log.GetLevel(),
		}),
		outlets: make(map[uint64]*outlet),
	}

	for _, o := range outputs.List() {
		b.outlets[o.Id] = b.newOutlet(o)
	}
	return b
}

func (b *Bridge) SetLogger(logger *log.Logger) {
	b.logger = logger
}

func uniqueId(id uint64) uint64 {
	hash := fnv.New64()
	hash.Write([]byte(fmt.Sprintf("Output_%d", id)))
	return hash.Sum64()
}

func faultValue(faulted bool) int {
	if faulted {
		return characteristic.StatusFaultGeneralFault
	}
	return characteristic.StatusFaultNoFault
}

func (b *Bridge) newOutlet(o swout.Output) *outlet {
	info := accessory.Info{
		Name:         o.Name,
		SerialNumber: fmt.Sprintf("output:%d:pin%02d", o.Id, o.Pin),
		Manufacturer: homeKitBridgeAuthor,
	}
	ou := &outlet{
		id:    o.Id,
		hk:    accessory.NewOutlet(info),
		fault: characteristic.NewStatusFault(),
	}
	ou.hk.Id = uniqueId(o.Id)
	ou.hk.Outlet.On.SetValue(o.IsEnabled())
	ou.fault.SetValue(faultValue(o.IsFaulty()))
	ou.hk.Outlet.AddC(ou.fault.C)

	id := o.Id
	ou.hk.Outlet.On.OnValueRemoteUpdate(func(on bool) {
		go b.switchOutput(id, on)
	})
	return ou
}

func (b *Bridge) switchOutput(id uint64, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), switchTimeoutSeconds*time.Second)
	defer cancel()

	var err error
	if on {
		_, err = b.outputs.Enable(ctx, id)
	} else {
		_, err = b.outputs.Disable(ctx, id)
	}
	if err != nil {
		b.logger.Error("failed to switch output from HomeKit", "id", id, "on", on, "err", err)
	}
}

// OutputChanged keeps the outlet characteristics in line with the registry.
func (b *Bridge) OutputChanged(output swout.Output, deleted bool) {
	b.lock.Lock()
	ou, exists := b.outlets[output.Id]
	b.lock.Unlock()

	if !exists {
		if !deleted {
			b.logger.Info("new output will be exposed after restart", "id", output.Id, "name", output.Name)
		}
		return
	}

	if deleted {
		ou.hk.Outlet.On.SetValue(false)
		ou.fault.SetValue(characteristic.StatusFaultGeneralFault)
		return
	}

	if ou.hk.Outlet.On.Value() != output.IsEnabled() {
		ou.hk.Outlet.On.SetValue(output.IsEnabled())
	}
	ou.fault.SetValue(faultValue(output.IsFaulty()))
}

func (b *Bridge) Accessories(firmwareVersion string) []*accessory.A {
	b.lock.Lock()
	defer b.lock.Unlock()

	outlets := make([]*outlet, 0, len(b.outlets))
	for _, ou := range b.outlets {
		outlets = append(outlets, ou)
	}
	sort.Slice(outlets, func(i, j int) bool { return outlets[i].id < outlets[j].id })

	acc := []*accessory.A{}
	for _, ou := range outlets {
		if ou.hk.Info != nil && ou.hk.Info.FirmwareRevision != nil {
			ou.hk.Info.FirmwareRevision.SetValue(firmwareVersion)
		}
		acc = append(acc, ou.hk.A)
	}
	return acc
}

// ListenAndServe runs the HomeKit server until ctx is done.
func (b *Bridge) ListenAndServe(ctx context.Context, firmwareVersion string) error {
	name := b.cfg.Name
	if len(name) == 0 {
		name = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         name,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	directory := b.cfg.Directory
	if len(directory) == 0 {
		directory = defaultHomeKitDirectory
	}

	hkServer, err := hap.NewServer(hap.NewFsStore(directory), bridge.A, b.Accessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = b.cfg.Pin
	if len(b.cfg.Address) > 0 {
		hkServer.Addr = b.cfg.Address
	}

	if b.cfg.Debug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	b.logger.Info("starting HomeKit bridge", "name", name, "outlets", len(b.outlets))
	return hkServer.ListenAndServe(ctx)
}
