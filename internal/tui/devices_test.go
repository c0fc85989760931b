package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nicolas-f/sonomkr-core/internal/audio"
)

var testDevices = []audio.Device{
	{ID: 0, Name: "Built-in Microphone", MaxInputChannels: 2, DefaultSampleRate: 48000},
	{ID: 1, Name: "Speakers", MaxOutputChannels: 2, DefaultSampleRate: 44100},
	{ID: 2, Name: "USB Interface", MaxInputChannels: 4, MaxOutputChannels: 4, DefaultSampleRate: 96000},
}

func press(t *testing.T, m DeviceListModel, msgs ...tea.Msg) (DeviceListModel, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(DeviceListModel)
	}
	return m, cmd
}

func keyMsg(k tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: k} }

func loaded(t *testing.T) DeviceListModel {
	t.Helper()
	m := NewDeviceListModel(func() ([]audio.Device, error) { return testDevices, nil })
	msg := m.Init()()
	m, _ = press(t, m, tea.WindowSizeMsg{Width: 80, Height: 40}, msg)
	return m
}

func TestDeviceListShowsInputDevices(t *testing.T) {
	m := loaded(t)
	require.Len(t, m.devices, 2, "output-only devices are hidden")

	view := m.View()
	assert.Contains(t, view, "Built-in Microphone")
	assert.Contains(t, view, "USB Interface")
	assert.NotContains(t, view, "Speakers")
}

func TestDeviceListSelection(t *testing.T) {
	m := loaded(t)

	m, _ = press(t, m, keyMsg(tea.KeyDown), keyMsg(tea.KeyEnter))
	require.Equal(t, ConfigScreen, m.activeScreen)
	assert.Equal(t, 2, m.channels)
	assert.Equal(t, 96000.0, sampleRates[m.sampleRateIndex])

	m, cmd := press(t, m,
		keyMsg(tea.KeyRight), keyMsg(tea.KeyRight), keyMsg(tea.KeyRight), // Capped at 4.
		keyMsg(tea.KeyUp),
		keyMsg(tea.KeyEnter),
	)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	sel := m.Selection()
	require.NotNil(t, sel)
	assert.Equal(t, 2, sel.Device.ID)
	assert.Equal(t, 4, sel.Channels)
	assert.Equal(t, 88200.0, sel.SampleRate)

	out, err := sel.YAML()
	require.NoError(t, err)
	var parsed struct {
		Audio struct {
			Driver        string  `yaml:"driver"`
			InputDevice   int     `yaml:"input_device"`
			SampleRate    float64 `yaml:"sample_rate"`
			InputChannels int     `yaml:"input_channels"`
		} `yaml:"audio"`
	}
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, "portaudio", parsed.Audio.Driver)
	assert.Equal(t, 2, parsed.Audio.InputDevice)
	assert.Equal(t, 88200.0, parsed.Audio.SampleRate)
	assert.Equal(t, 4, parsed.Audio.InputChannels)
}

func TestDeviceListBackAndQuit(t *testing.T) {
	m := loaded(t)

	m, _ = press(t, m, keyMsg(tea.KeyEnter), keyMsg(tea.KeyLeft), keyMsg(tea.KeyEsc))
	assert.Equal(t, ListScreen, m.activeScreen)

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Nil(t, m.Selection())
}

func TestDeviceListError(t *testing.T) {
	m := NewDeviceListModel(func() ([]audio.Device, error) { return nil, errors.New("no host api") })
	m, _ = press(t, m, m.Init()())
	assert.True(t, strings.HasPrefix(m.View(), "Error: no host api"))

	_, cmd := press(t, m, keyMsg(tea.KeyEnter))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
