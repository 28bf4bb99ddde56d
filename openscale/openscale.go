// Package openscale drives the SparkFun OpenScale load cell amplifier.
//
// The OpenScale speaks unframed ASCII over a serial line.  Keystrokes open a
// configuration menu and toggle its entries; with the serial trigger enabled,
// each trigger character yields one comma separated reading:
//
//	[timestamp,]value,units,[raw,][local temp,][remote temp,]
//
// Optional fields are present according to the menu settings, so the
// settings must be known before readings can be parsed.
package openscale

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/ecrig/comm"
)

const (
	// KgToN converts kilograms-force to newtons
	KgToN = 9.80665

	// LbsToLbf converts the scale's pound reading to pound-force
	LbsToLbf = 32.174049

	menuKey      = 'x'
	tareKey      = '1'
	calKey       = '2'
	timestampKey = '3'
	rateKey      = '4'
	unitsKey     = '6'
	decimalsKey  = '7'
	averageKey   = '8'
	localKey     = '9'
	remoteKey    = 'r'
	ledKey       = 's'
	triggerKey   = 't'
	rawKey       = 'q'
	charKey      = 'c'
	upKey        = '+'
	downKey      = '-'
)

// ErrProtocol is returned when the scale does not answer as expected after
// every retry
var ErrProtocol = errors.New("openscale: protocol error")

// Settings mirrors the OpenScale configuration menu
type Settings struct {
	Tare          int    `yaml:"tare"`
	Calibration   int    `yaml:"calibrate"`
	Timestamp     bool   `yaml:"timestamp_enable"`
	ReportRate    int    `yaml:"report_rate"`
	Baud          int    `yaml:"baud"`
	Units         string `yaml:"units"`
	Decimals      int    `yaml:"decimal_places"`
	Average       int    `yaml:"num_avgs"`
	LocalTemp     bool   `yaml:"local_temp_enable"`
	RemoteTemp    bool   `yaml:"remote_temp_enable"`
	StatusLED     bool   `yaml:"status_led"`
	SerialTrigger bool   `yaml:"trigger_enable"`
	RawReading    bool   `yaml:"raw_read_enable"`
	TriggerChar   byte   `yaml:"trigger_char"`
}

// DefaultSettings is the factory configuration with the serial trigger on
func DefaultSettings() Settings {
	return Settings{
		Tare:          18304,
		Timestamp:     true,
		ReportRate:    200,
		Baud:          9600,
		Units:         "kg",
		Decimals:      4,
		Average:       2,
		StatusLED:     true,
		SerialTrigger: true,
		TriggerChar:   '0',
	}
}

// Reading is one report from the scale.  Fields the scale was not configured
// to send are zero, or NaN for the temperatures.
type Reading struct {
	Value      float64
	Units      string
	Timestamp  time.Duration
	Raw        int
	LocalTemp  float64
	RemoteTemp float64
}

// Force converts the reading to force, returning the value and its unit
func (r Reading) Force() (float64, string) {
	return ToForce(r.Value, r.Units)
}

// ToForce converts a kg or lbs reading to N or lbf
func ToForce(v float64, units string) (float64, string) {
	if units == "kg" {
		return v * KgToN, "N"
	}
	return v * LbsToLbf, "lbf"
}

func splitFields(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
}

// ParseReading parses one report line given the scale's settings
func ParseReading(line string, s Settings) (Reading, error) {
	r := Reading{LocalTemp: math.NaN(), RemoteTemp: math.NaN()}
	f := splitFields(line)
	want := 2
	for _, on := range []bool{s.Timestamp, s.RawReading, s.LocalTemp, s.RemoteTemp} {
		if on {
			want++
		}
	}
	if len(f) != want {
		return r, fmt.Errorf("reading %q has %d fields, expected %d", line, len(f), want)
	}
	i := 0
	if s.Timestamp {
		ms, err := strconv.ParseInt(f[i], 10, 64)
		if err != nil {
			return r, fmt.Errorf("timestamp: %w", err)
		}
		r.Timestamp = time.Duration(ms) * time.Millisecond
		i++
	}
	v, err := strconv.ParseFloat(f[i], 64)
	if err != nil {
		return r, fmt.Errorf("value: %w", err)
	}
	r.Value, r.Units = v, f[i+1]
	i += 2
	if s.RawReading {
		r.Raw, err = strconv.Atoi(f[i])
		if err != nil {
			return r, fmt.Errorf("raw: %w", err)
		}
		i++
	}
	if s.LocalTemp {
		r.LocalTemp, err = strconv.ParseFloat(f[i], 64)
		if err != nil {
			return r, fmt.Errorf("local temp: %w", err)
		}
		i++
	}
	if s.RemoteTemp {
		r.RemoteTemp, err = strconv.ParseFloat(f[i], 64)
		if err != nil {
			return r, fmt.Errorf("remote temp: %w", err)
		}
	}
	return r, nil
}

var menuLine = regexp.MustCompile(`(?m)^([0-9a-z])\)[^\[\r\n]*\[([^\]]*)\]`)

func onOff(s string) bool {
	return s != "Off"
}

// ParseMenu extracts the settings from the text of the configuration menu
func ParseMenu(text string) (Settings, error) {
	var s Settings
	matches := menuLine.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return s, fmt.Errorf("%w: no menu entries in %q", ErrProtocol, text)
	}
	var err error
	num := func(v string) int {
		n, e := strconv.Atoi(strings.TrimSpace(v))
		if e != nil && err == nil {
			err = fmt.Errorf("menu value %q: %w", v, e)
		}
		return n
	}
	for _, m := range matches {
		v := m[2]
		switch m[1] {
		case "1":
			s.Tare = num(v)
		case "2":
			s.Calibration = num(v)
		case "3":
			s.Timestamp = onOff(v)
		case "4":
			s.ReportRate = num(v)
		case "5":
			s.Baud = num(strings.TrimSuffix(v, " bps"))
		case "6":
			s.Units = v
		case "7":
			s.Decimals = num(v)
		case "8":
			s.Average = num(v)
		case "9":
			s.LocalTemp = onOff(v)
		case "r":
			s.RemoteTemp = onOff(v)
		case "s":
			s.StatusLED = onOff(v)
		case "t":
			s.SerialTrigger = onOff(v)
		case "q":
			s.RawReading = onOff(v)
		case "c":
			s.TriggerChar = byte(num(v))
		}
	}
	return s, err
}

// Scale is an OpenScale on a serial port or TCP bridge
type Scale struct {
	*comm.RemoteDevice

	Settings Settings

	// Retries is how many times a failed exchange is repeated
	Retries       int
	RetryInterval time.Duration

	Log *zap.SugaredLogger

	primed bool
}

// New returns a scale at addr.  It is not opened until first used.
func New(addr string, isSerial bool, s Settings, log *zap.SugaredLogger) *Scale {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if s.Baud == 0 {
		s.Baud = 9600
	}
	if s.TriggerChar == 0 {
		s.TriggerChar = '0'
	}
	rd := comm.NewRemoteDevice(addr, isSerial, comm.Terminators{Rx: '\n'}, &serial.Config{Baud: s.Baud})
	return &Scale{RemoteDevice: rd, Settings: s, Retries: 3, RetryInterval: 50 * time.Millisecond, Log: log}
}

// retry runs op until it succeeds or the retries are spent, discarding
// pending input between attempts.  The lock must be held.
func (s *Scale) retry(what string, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.RetryInterval), uint64(s.Retries))
	err := backoff.RetryNotify(func() error {
		if err := s.Open(); err != nil {
			return err
		}
		return op()
	}, b, func(err error, wait time.Duration) {
		s.Log.Warnw("openscale exchange failed, retrying", "op", what, "err", err, "wait", wait)
		s.primed = false
		s.Discard()
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, what, err)
	}
	return nil
}

// prime discards the banner the scale prints before its first reading
func (s *Scale) prime() error {
	if s.primed {
		return nil
	}
	if err := s.Send([]byte{s.Settings.TriggerChar}); err != nil {
		return err
	}
	if _, err := s.ReadUntil([]byte("Readings:")); err != nil {
		return err
	}
	if _, err := s.Recv(); err != nil {
		return err
	}
	s.primed = true
	return nil
}

// Read triggers and parses one reading.  On failure the value is NaN.
func (s *Scale) Read() (Reading, error) {
	s.Lock()
	defer s.Unlock()
	var r Reading
	err := s.retry("read", func() error {
		if err := s.prime(); err != nil {
			return err
		}
		line, err := s.SendRecv([]byte{s.Settings.TriggerChar})
		if err != nil {
			return err
		}
		r, err = ParseReading(string(line), s.Settings)
		return err
	})
	if err != nil {
		return Reading{Value: math.NaN(), LocalTemp: math.NaN(), RemoteTemp: math.NaN()}, err
	}
	return r, nil
}

// Force reads the scale and returns the force in N or lbf
func (s *Scale) Force() (float64, error) {
	r, err := s.Read()
	if err != nil {
		return math.NaN(), err
	}
	f, _ := r.Force()
	return f, nil
}

// LoadSettings reads the configuration menu and adopts what it reports
func (s *Scale) LoadSettings() (Settings, error) {
	s.Lock()
	defer s.Unlock()
	var set Settings
	err := s.retry("menu", func() error {
		// the first keystroke wakes the scale
		if err := s.Send([]byte{menuKey, menuKey}); err != nil {
			return err
		}
		text, err := s.ReadUntil([]byte(">"))
		if err != nil {
			return err
		}
		set, err = ParseMenu(string(text))
		if err != nil {
			return err
		}
		return s.Send([]byte{menuKey})
	})
	if err != nil {
		return s.Settings, err
	}
	s.Settings = set
	s.primed = false
	return set, nil
}

// Tare zeroes the scale and returns the two tare points it reports
func (s *Scale) Tare() (int, int, error) {
	s.Lock()
	defer s.Unlock()
	var p1, p2 int
	point := func(label string) (int, error) {
		if _, err := s.ReadUntil([]byte(label)); err != nil {
			return 0, err
		}
		b, err := s.Recv()
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(strings.TrimSpace(string(b)))
	}
	err := s.retry("tare", func() error {
		var err error
		if err = s.Send([]byte{menuKey, tareKey}); err != nil {
			return err
		}
		if p1, err = point("Tare point 1: "); err != nil {
			return err
		}
		if p2, err = point("Tare point 2: "); err != nil {
			return err
		}
		return s.Send([]byte{menuKey})
	})
	if err != nil {
		return 0, 0, err
	}
	s.Settings.Tare = p2
	s.primed = false
	return p1, p2, nil
}

// Keystrokes returns the menu input which takes a scale configured as have
// to want, or nil if nothing differs.  Toggles are pressed once, counters are
// stepped with + and -, and zero or empty values in want are left alone.
// Tare, calibration and baud are never written.
func Keystrokes(have, want Settings) []byte {
	var keys []byte
	toggle := func(key byte, h, w bool) {
		if h != w {
			keys = append(keys, key)
		}
	}
	step := func(key byte, h, w int) {
		if w <= 0 || h == w {
			return
		}
		dir, n := byte(upKey), w-h
		if n < 0 {
			dir, n = downKey, -n
		}
		keys = append(keys, key)
		keys = append(keys, bytes.Repeat([]byte{dir}, n)...)
		keys = append(keys, menuKey)
	}
	toggle(timestampKey, have.Timestamp, want.Timestamp)
	step(rateKey, have.ReportRate, want.ReportRate)
	if want.Units != "" && want.Units != have.Units {
		keys = append(keys, unitsKey)
	}
	step(decimalsKey, have.Decimals, want.Decimals)
	step(averageKey, have.Average, want.Average)
	toggle(localKey, have.LocalTemp, want.LocalTemp)
	toggle(remoteKey, have.RemoteTemp, want.RemoteTemp)
	toggle(ledKey, have.StatusLED, want.StatusLED)
	toggle(triggerKey, have.SerialTrigger, want.SerialTrigger)
	toggle(rawKey, have.RawReading, want.RawReading)
	if want.TriggerChar != 0 && want.TriggerChar != have.TriggerChar {
		keys = append(keys, charKey, want.TriggerChar)
	}
	if len(keys) == 0 {
		return nil
	}
	return append(append([]byte{menuKey}, keys...), menuKey)
}

// Apply writes the difference between the current and wanted settings
// through the menu.  Toggles are not idempotent, so a failed write is not
// retried; call LoadSettings to learn the scale's state afterwards.
func (s *Scale) Apply(want Settings) error {
	s.Lock()
	defer s.Unlock()
	keys := Keystrokes(s.Settings, want)
	if keys == nil {
		return nil
	}
	if err := s.Open(); err != nil {
		return err
	}
	s.primed = false
	if err := s.Send(keys); err != nil {
		return fmt.Errorf("%w: applying settings: %v", ErrProtocol, err)
	}
	s.Discard()
	cur := &s.Settings
	cur.Timestamp, cur.LocalTemp, cur.RemoteTemp = want.Timestamp, want.LocalTemp, want.RemoteTemp
	cur.StatusLED, cur.SerialTrigger, cur.RawReading = want.StatusLED, want.SerialTrigger, want.RawReading
	if want.Units != "" {
		cur.Units = want.Units
	}
	positive(&cur.ReportRate, want.ReportRate)
	positive(&cur.Decimals, want.Decimals)
	positive(&cur.Average, want.Average)
	if want.TriggerChar != 0 {
		cur.TriggerChar = want.TriggerChar
	}
	s.Log.Infow("openscale settings applied", "keys", string(keys))
	return nil
}

func positive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// CalibrationInfo is the live reading shown by the calibration menu
type CalibrationInfo struct {
	Value  float64
	Units  string
	Factor int
}

var calLine = regexp.MustCompile(`\[\s*(-?[0-9.]+)\s*([a-z]+)\]\s*Calibration Factor:\s*(-?\d+)`)

// ParseCalibration parses a calibration menu line such as
// "Reading: [0.1234 kg]   Calibration Factor: 262"
func ParseCalibration(line string) (CalibrationInfo, error) {
	m := calLine.FindStringSubmatch(line)
	if m == nil {
		return CalibrationInfo{}, fmt.Errorf("%w: calibration line %q", ErrProtocol, line)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return CalibrationInfo{}, err
	}
	f, err := strconv.Atoi(m[3])
	if err != nil {
		return CalibrationInfo{}, err
	}
	return CalibrationInfo{Value: v, Units: m[2], Factor: f}, nil
}

// ReadCalibration enters the calibration menu, reads the first live line
// and leaves without changing the factor
func (s *Scale) ReadCalibration() (CalibrationInfo, error) {
	s.Lock()
	defer s.Unlock()
	var info CalibrationInfo
	err := s.retry("calibration", func() error {
		s.primed = false
		if err := s.Send([]byte{menuKey, calKey}); err != nil {
			return err
		}
		if _, err := s.ReadUntil([]byte("Reading: ")); err != nil {
			return err
		}
		line, err := s.Recv()
		if err != nil {
			return err
		}
		if info, err = ParseCalibration("Reading: " + string(line)); err != nil {
			return err
		}
		return s.Send([]byte{menuKey})
	})
	if err != nil {
		return info, err
	}
	s.Settings.Calibration = info.Factor
	return info, nil
}

// SaveSettings writes s to path as YAML
func SaveSettings(path string, s Settings) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadSettings reads settings written by SaveSettings
func ReadSettings(path string) (Settings, error) {
	var s Settings
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("openscale settings %s: %w", path, err)
	}
	return s, nil
}
