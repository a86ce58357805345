// Package inverter drives a hybrid solar inverter over Modbus TCP (RTU is
// supported for serial-attached units).
package inverter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Typed driver errors.
var (
	ErrUnreachable     = errors.New("inverter unreachable")
	ErrCommandRejected = errors.New("inverter command rejected")
	ErrNotConnected    = errors.New("inverter not connected")
)

// OperationMode selects the inverter work mode.
type OperationMode uint16

const (
	ModeGeneral      OperationMode = 0
	ModeEcoDischarge OperationMode = 1
	ModeFastCharge   OperationMode = 2
)

func (m OperationMode) String() string {
	switch m {
	case ModeGeneral:
		return "general"
	case ModeEcoDischarge:
		return "eco_discharge"
	case ModeFastCharge:
		return "fast_charge"
	default:
		return fmt.Sprintf("mode(%d)", uint16(m))
	}
}

// ParseMode maps a mode name to an OperationMode.
func ParseMode(s string) (OperationMode, error) {
	switch s {
	case "general":
		return ModeGeneral, nil
	case "eco_discharge":
		return ModeEcoDischarge, nil
	case "fast_charge":
		return ModeFastCharge, nil
	default:
		return ModeGeneral, fmt.Errorf("invalid input: unknown operation mode %q", s)
	}
}

// Snapshot is one consistent reading of the system state.
type Snapshot struct {
	SOCPercent   float64   `json:"soc_percent"`
	BatteryTempC float64   `json:"battery_temp_c"`
	PVPowerW     float64   `json:"pv_power_w"`
	LoadPowerW   float64   `json:"load_power_w"`
	GridPowerW   float64   `json:"grid_power_w"` // signed, export negative
	GridVoltageV float64   `json:"grid_voltage_v"`
	Timestamp    time.Time `json:"timestamp"`
}

// Snapshot freshness bounds.
const (
	snapshotStaleAfter  = 2 * time.Minute
	snapshotUnusableAge = 10 * time.Minute
)

// Stale reports whether the snapshot is older than 2 minutes at now. A
// stale snapshot is still usable but flagged.
func (s Snapshot) Stale(now time.Time) bool {
	return now.Sub(s.Timestamp) > snapshotStaleAfter
}

// Unusable reports whether the snapshot is too old to act on.
func (s Snapshot) Unusable(now time.Time) bool {
	return now.Sub(s.Timestamp) > snapshotUnusableAge
}

// Valid rejects out-of-range readings.
func (s Snapshot) Valid() error {
	if s.SOCPercent < 0 || s.SOCPercent > 100 {
		return fmt.Errorf("invalid input: soc %.1f%% out of range", s.SOCPercent)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("invalid input: snapshot without timestamp")
	}
	return nil
}

// Input register map (read).
const (
	regSOC         = 30000 // u16, 0.1 %
	regBatteryTemp = 30001 // s16, 0.1 °C
	regPVPower     = 30002 // u32, W
	regLoadPower   = 30004 // u32, W
	regGridPower   = 30006 // s32, W, export negative
	regGridVoltage = 30008 // u16, 0.1 V
)

// Holding register map (write).
const (
	regOperationMode   = 40000 // u16, OperationMode
	regChargePowerPct  = 40001 // u16, %
	regMinSOC          = 40002 // u16, 0.1 %
	regGridExportLimit = 40003 // u32, W
	regBatteryDoD      = 40005 // u16, 0.1 %
	regFastCharge      = 40006 // u16, 1 start / 0 stop
)

// Client is a Modbus driver for a hybrid inverter.
type Client struct {
	mu         sync.Mutex
	client     modbus.Client
	tcpHandler *modbus.TCPClientHandler
	rtuHandler *modbus.RTUClientHandler
	addr       string
	slaveID    byte
	nowFunc    func() time.Time
}

// NewTCP creates a Modbus TCP client for the given address ("host:502").
func NewTCP(addr string, slaveID byte) *Client {
	return &Client{addr: addr, slaveID: slaveID, nowFunc: time.Now}
}

// NewRTU creates a Modbus RTU client for a serial-attached inverter.
func NewRTU(device string, baudRate int, slaveID byte) *Client {
	h := modbus.NewRTUClientHandler(device)
	h.BaudRate = baudRate
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = slaveID
	h.Timeout = 3 * time.Second
	return &Client{rtuHandler: h, slaveID: slaveID, nowFunc: time.Now}
}

// Connect establishes the Modbus session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rtuHandler != nil {
		if err := c.rtuHandler.Connect(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		c.client = modbus.NewClient(c.rtuHandler)
		return nil
	}

	h := modbus.NewTCPClientHandler(c.addr)
	h.SlaveId = c.slaveID
	h.Timeout = 3 * time.Second
	if err := h.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.tcpHandler = h
	c.client = modbus.NewClient(h)
	return nil
}

// Disconnect closes the Modbus session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tcpHandler != nil {
		err := c.tcpHandler.Close()
		c.tcpHandler = nil
		c.client = nil
		return err
	}
	if c.rtuHandler != nil {
		err := c.rtuHandler.Close()
		c.client = nil
		return err
	}
	return nil
}

// GetSnapshot reads the full input register block and returns one snapshot.
func (c *Client) GetSnapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return Snapshot{}, ErrNotConnected
	}

	data, err := c.client.ReadInputRegisters(regSOC, 10)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read snapshot block: %v", ErrUnreachable, err)
	}
	if len(data) < 20 {
		return Snapshot{}, fmt.Errorf("%w: short snapshot block (%d bytes)", ErrUnreachable, len(data))
	}

	snap := Snapshot{
		SOCPercent:   float64(binary.BigEndian.Uint16(data[0:2])) / 10.0,
		BatteryTempC: float64(int16(binary.BigEndian.Uint16(data[2:4]))) / 10.0,
		PVPowerW:     float64(binary.BigEndian.Uint32(data[4:8])),
		LoadPowerW:   float64(binary.BigEndian.Uint32(data[8:12])),
		GridPowerW:   float64(int32(binary.BigEndian.Uint32(data[12:16]))),
		GridVoltageV: float64(binary.BigEndian.Uint16(data[16:18])) / 10.0,
		Timestamp:    c.nowFunc(),
	}
	if err := snap.Valid(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// SetOperationMode sets the work mode with a charge/discharge power cap (in
// percent of rated power) and a minimum SOC floor.
func (c *Client) SetOperationMode(mode OperationMode, powerPercent int, minSOC float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}
	if powerPercent < 0 || powerPercent > 100 {
		return fmt.Errorf("invalid input: power percent %d", powerPercent)
	}
	if minSOC < 0 || minSOC > 100 {
		return fmt.Errorf("invalid input: min soc %.1f", minSOC)
	}

	if _, err := c.client.WriteSingleRegister(regOperationMode, uint16(mode)); err != nil {
		return fmt.Errorf("%w: set mode %s: %v", ErrCommandRejected, mode, err)
	}
	if _, err := c.client.WriteSingleRegister(regChargePowerPct, uint16(powerPercent)); err != nil {
		return fmt.Errorf("%w: set power %d%%: %v", ErrCommandRejected, powerPercent, err)
	}
	if _, err := c.client.WriteSingleRegister(regMinSOC, uint16(minSOC*10)); err != nil {
		return fmt.Errorf("%w: set min soc %.1f%%: %v", ErrCommandRejected, minSOC, err)
	}
	return nil
}

// SetGridExportLimit caps export to the grid in watts. Zero disables export.
func (c *Client) SetGridExportLimit(watts int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}
	if watts < 0 {
		return fmt.Errorf("invalid input: export limit %d W", watts)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(watts))
	if _, err := c.client.WriteMultipleRegisters(regGridExportLimit, 2, buf); err != nil {
		return fmt.Errorf("%w: set export limit %d W: %v", ErrCommandRejected, watts, err)
	}
	return nil
}

// SetBatteryDoDPercent sets the allowed depth of discharge.
func (c *Client) SetBatteryDoDPercent(x float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}
	if x < 0 || x > 100 {
		return fmt.Errorf("invalid input: dod %.1f%%", x)
	}
	if _, err := c.client.WriteSingleRegister(regBatteryDoD, uint16(x*10)); err != nil {
		return fmt.Errorf("%w: set dod %.1f%%: %v", ErrCommandRejected, x, err)
	}
	return nil
}

// StartFastCharge begins grid-powered fast charging.
func (c *Client) StartFastCharge() error {
	return c.writeFastCharge(1)
}

// StopFastCharge ends grid-powered fast charging.
func (c *Client) StopFastCharge() error {
	return c.writeFastCharge(0)
}

func (c *Client) writeFastCharge(v uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}
	if _, err := c.client.WriteSingleRegister(regFastCharge, v); err != nil {
		return fmt.Errorf("%w: fast charge %d: %v", ErrCommandRejected, v, err)
	}
	return nil
}
