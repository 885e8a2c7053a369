package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/service"

	"github.com/primetalk/goio/io"
	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

var ErrNotAcknowledged = errors.New("command not acknowledged")

const defaultAckPoll = 20 * time.Millisecond

type Instrument struct {
	RecordTime func(fnName string, readTime time.Duration)
}

// Gateway serves the hardware ports of every site reachable over Modbus TCP.
type Gateway struct {
	mu         sync.RWMutex
	sites      map[string]*siteClient
	outages    *service.OutageTracker
	instrument []Instrument
	logger     *zap.Logger
}

type siteClient struct {
	mu       sync.Mutex
	endpoint Endpoint
	asset    domain.SiteAsset
	client   *modbus.ModbusClient
	open     bool
}

func NewGateway(outages *service.OutageTracker, logger *zap.Logger, instrument ...Instrument) *Gateway {
	return &Gateway{
		sites:      make(map[string]*siteClient),
		outages:    outages,
		instrument: instrument,
		logger:     logger.With(zap.String("adapter", "modbus")),
	}
}

// AddSite creates the client of a site. The connection is opened lazily.
func (g *Gateway) AddSite(endpoint Endpoint, asset domain.SiteAsset) error {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     endpoint.URL,
		Timeout: endpoint.Timeout,
	})
	if err != nil {
		return fmt.Errorf("modbus client %s: %w", endpoint.SiteId, err)
	}
	if endpoint.AckPoll <= 0 {
		endpoint.AckPoll = defaultAckPoll
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.sites[endpoint.SiteId]; ok {
		prev.close()
	}
	g.sites[endpoint.SiteId] = &siteClient{endpoint: endpoint, asset: asset, client: client}
	return nil
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sites {
		s.close()
	}
}

func (g *Gateway) site(siteId string) (*siteClient, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sites[siteId]
	if !ok {
		return nil, fmt.Errorf("modbus %s: %w", siteId, domain.ErrSiteNotFound)
	}
	return s, nil
}

// Measure reads the grid side meter.
func (g *Gateway) Measure(ctx context.Context, siteId string) (domain.GridStatus, error) {
	s, err := g.site(siteId)
	if err != nil {
		return domain.GridStatus{}, err
	}
	regs := s.endpoint.Registers
	raw, err := runWithContext(ctx, func() ([]uint16, error) {
		return withClient(s, func(c *modbus.ModbusClient) ([]uint16, error) {
			v, err := g.readRegister(c, regs.GridVoltage, modbus.INPUT_REGISTER)
			if err != nil {
				return nil, err
			}
			f, err := g.readRegister(c, regs.GridFrequency, modbus.INPUT_REGISTER)
			if err != nil {
				return nil, err
			}
			p, err := g.readRegister(c, regs.GridPhase, modbus.INPUT_REGISTER)
			if err != nil {
				return nil, err
			}
			return []uint16{v, f, p}, nil
		})
	})
	if err != nil {
		return domain.GridStatus{}, fmt.Errorf("modbus %s grid meter: %w", siteId, err)
	}
	return service.GridStatusFromSample(g.outages, siteId, &s.asset, time.Now(),
		decode(raw[0], voltageScale), decode(raw[1], frequencyScale), decode(raw[2], phaseScale)), nil
}

// CurrentReading reads battery and inverter telemetry.
func (g *Gateway) CurrentReading(ctx context.Context, siteId string) (*domain.TelemetryReading, error) {
	s, err := g.site(siteId)
	if err != nil {
		return nil, err
	}
	regs := s.endpoint.Registers
	addrs := []uint16{regs.Soc, regs.BatteryPower, regs.InverterVoltage, regs.InverterFrequency, regs.InverterPhase}
	raw, err := runWithContext(ctx, func() ([]uint16, error) {
		return withClient(s, func(c *modbus.ModbusClient) ([]uint16, error) {
			values := make([]uint16, 0, len(addrs))
			for _, addr := range addrs {
				v, err := g.readRegister(c, addr, modbus.INPUT_REGISTER)
				if err != nil {
					return nil, err
				}
				values = append(values, v)
			}
			return values, nil
		})
	})
	if err != nil {
		g.logger.Debug("telemetry read failed", zap.String("site", siteId), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrTelemetryUnavailable, err)
	}
	return &domain.TelemetryReading{
		Timestamp:         time.Now(),
		SOC:               decode(raw[0], socScale),
		PowerKW:           decodeSigned(raw[1], powerScale),
		InverterVoltage:   decode(raw[2], voltageScale),
		InverterFrequency: decode(raw[3], frequencyScale),
		InverterPhase:     decode(raw[4], phaseScale),
	}, nil
}

// Send writes a command and polls its status point until the controller
// reports the requested state or ctx expires.
func (g *Gateway) Send(ctx context.Context, siteId string, cmd domain.Command) error {
	s, err := g.site(siteId)
	if err != nil {
		return err
	}
	if err := g.write(ctx, s, cmd); err != nil {
		return fmt.Errorf("modbus %s %s: %w", siteId, cmd, err)
	}
	if err := g.awaitAck(ctx, s, cmd); err != nil {
		return fmt.Errorf("modbus %s %s: %w", siteId, cmd, err)
	}
	return nil
}

func (g *Gateway) write(ctx context.Context, s *siteClient, cmd domain.Command) error {
	regs := s.endpoint.Registers
	_, err := runWithContext(ctx, func() (bool, error) {
		return withClient(s, func(c *modbus.ModbusClient) (bool, error) {
			switch cmd.Kind {
			case domain.CMD_OPEN_BREAKER, domain.CMD_CLOSE_BREAKER:
				return true, g.writeCoil(c, regs.BreakerCoil, cmd.Kind == domain.CMD_CLOSE_BREAKER)
			case domain.CMD_OPEN_CONTACTOR, domain.CMD_CLOSE_CONTACTOR:
				addr, ok := regs.Contactors[cmd.Params.ContactorId]
				if !ok {
					return false, fmt.Errorf("no coil mapped for contactor %s", cmd.Params.ContactorId)
				}
				return true, g.writeCoil(c, addr, cmd.Kind == domain.CMD_CLOSE_CONTACTOR)
			case domain.CMD_SET_INVERTER_MODE:
				code, err := ModeCode(cmd.Params.Mode)
				if err != nil {
					return false, err
				}
				// setpoints first, the mode write applies them
				if err := g.writeRegister(c, regs.VoltageSetpoint, encode(cmd.Params.VoltageTarget, voltageScale)); err != nil {
					return false, err
				}
				if err := g.writeRegister(c, regs.FrequencySetpoint, encode(cmd.Params.FrequencyTarget, frequencyScale)); err != nil {
					return false, err
				}
				if err := g.writeRegister(c, regs.RampRateSetpoint, encode(cmd.Params.RampRate, rampScale)); err != nil {
					return false, err
				}
				return true, g.writeRegister(c, regs.InverterMode, code)
			default:
				return false, fmt.Errorf("unsupported command %s", cmd.Kind)
			}
		})
	})
	return err
}

func (g *Gateway) awaitAck(ctx context.Context, s *siteClient, cmd domain.Command) error {
	poll := time.NewTicker(s.endpoint.AckPoll)
	defer poll.Stop()
	for {
		done, err := runWithContext(ctx, func() (bool, error) {
			return withClient(s, func(c *modbus.ModbusClient) (bool, error) {
				return g.applied(c, s.endpoint.Registers, cmd)
			})
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: %v", ErrNotAcknowledged, err)
			}
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotAcknowledged, ctx.Err())
		case <-poll.C:
		}
	}
}

func (g *Gateway) applied(c *modbus.ModbusClient, regs RegisterMap, cmd domain.Command) (bool, error) {
	switch cmd.Kind {
	case domain.CMD_OPEN_BREAKER, domain.CMD_CLOSE_BREAKER:
		closed, err := g.readDiscreteInput(c, regs.BreakerStatus)
		return closed == (cmd.Kind == domain.CMD_CLOSE_BREAKER), err
	case domain.CMD_OPEN_CONTACTOR, domain.CMD_CLOSE_CONTACTOR:
		closed, err := g.readDiscreteInput(c, regs.Contactors[cmd.Params.ContactorId])
		return closed == (cmd.Kind == domain.CMD_CLOSE_CONTACTOR), err
	case domain.CMD_SET_INVERTER_MODE:
		code, err := g.readRegister(c, regs.InverterModeStatus, modbus.INPUT_REGISTER)
		if err != nil {
			return false, err
		}
		want, _ := ModeCode(cmd.Params.Mode)
		return code == want, nil
	}
	return false, fmt.Errorf("unsupported command %s", cmd.Kind)
}

// withClient serializes access to the site connection and reopens it after a failure.
func withClient[T any](s *siteClient, fn func(*modbus.ModbusClient) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.open {
		if err := s.client.Open(); err != nil {
			return zero, err
		}
		if err := s.client.SetUnitId(s.endpoint.UnitId); err != nil {
			return zero, err
		}
		s.open = true
	}
	res, err := fn(s.client)
	if err != nil && !errors.Is(err, modbus.ErrIllegalDataAddress) && !errors.Is(err, modbus.ErrIllegalFunction) {
		_ = s.client.Close()
		s.open = false
	}
	return res, err
}

func (s *siteClient) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		_ = s.client.Close()
		s.open = false
	}
}

func (g *Gateway) readRegister(c *modbus.ModbusClient, addr uint16, regType modbus.RegType) (uint16, error) {
	defer RecordTimer("ReadRegister", g.instrument)()
	return c.ReadRegister(addr, regType)
}

func (g *Gateway) readDiscreteInput(c *modbus.ModbusClient, addr uint16) (bool, error) {
	defer RecordTimer("ReadDiscreteInput", g.instrument)()
	return c.ReadDiscreteInput(addr)
}

func (g *Gateway) writeRegister(c *modbus.ModbusClient, addr uint16, value uint16) error {
	defer RecordTimer("WriteRegister", g.instrument)()
	return c.WriteRegister(addr, value)
}

func (g *Gateway) writeCoil(c *modbus.ModbusClient, addr uint16, value bool) error {
	defer RecordTimer("WriteCoil", g.instrument)()
	return c.WriteCoil(addr, value)
}

func RecordTimer(name string, instrument []Instrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, duration)
		}
	}
}

// runWithContext bounds a blocking Modbus call by the context deadline.
func runWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	bg := io.Eval(fn)
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, context.DeadlineExceeded
		}
		bg = io.WithTimeout[T](remaining)(bg)
	}
	result := io.RunSync(bg)
	if result.Error != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return zero, context.DeadlineExceeded
		}
		return zero, result.Error
	}
	return result.Value, nil
}
