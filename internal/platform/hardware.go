// Package platform bridges the daemon to the device: it reads the hardware
// state document published by the HAL bridge and runs the helper commands
// that mutate slot configuration.
package platform

import (
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/g960059/simslot/internal/model"
)

var logger = loggo.GetLogger("simslot.platform")

// Card states reported for the removable slot. Anything other than
// "present" counts as absent.
const (
	CardStateAbsent     = "absent"
	CardStatePresent    = "present"
	CardStateError      = "error"
	CardStateRestricted = "restricted"
)

// HardwareState is the document the HAL bridge rewrites whenever slot or
// subscription state changes. JSON documents parse as well.
type HardwareState struct {
	ModemCount          int            `yaml:"modem_count"`
	MEPSupported        bool           `yaml:"mep_supported"`
	MultiSimSupported   bool           `yaml:"multi_sim_supported"`
	SetupWizardFinished bool           `yaml:"setup_wizard_finished"`
	RemovableSlot       *RemovableSlot `yaml:"removable_slot"`
	EmbeddedProfiles    []ProfileEntry `yaml:"embedded_profiles"`
	ActiveSubscriptions []ActiveEntry  `yaml:"active_subscriptions"`
	AvailableRemovable  []int          `yaml:"available_removable_subscriptions"`
}

type RemovableSlot struct {
	CardState string      `yaml:"card_state"`
	Ports     []PortEntry `yaml:"ports"`
}

type PortEntry struct {
	Index  int  `yaml:"index"`
	Active bool `yaml:"active"`
}

type ProfileEntry struct {
	SubscriptionID int    `yaml:"subscription_id"`
	GroupID        string `yaml:"group_id"`
}

type ActiveEntry struct {
	SubscriptionID int  `yaml:"subscription_id"`
	Embedded       bool `yaml:"embedded"`
}

func LoadHardwareState(path string) (HardwareState, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if os.IsNotExist(err) {
		return HardwareState{}, errors.NotFoundf("hardware state %q", path)
	}
	if err != nil {
		return HardwareState{}, errors.Annotatef(err, "read hardware state %q", path)
	}
	return ParseHardwareState(data)
}

func ParseHardwareState(data []byte) (HardwareState, error) {
	var hs HardwareState
	if err := yaml.Unmarshal(data, &hs); err != nil {
		return HardwareState{}, errors.NotValidf("hardware state document: %v", err)
	}
	if hs.ModemCount <= 0 {
		hs.ModemCount = 1
	}
	return hs, nil
}

// Snapshot translates the removable slot into a SlotSnapshot, or nil when the
// device has no removable slot.
func (hs HardwareState) Snapshot() *model.SlotSnapshot {
	if hs.RemovableSlot == nil {
		return nil
	}
	presence := model.PresenceAbsent
	if strings.EqualFold(strings.TrimSpace(hs.RemovableSlot.CardState), CardStatePresent) {
		presence = model.PresencePresent
	}
	active := false
	for _, port := range hs.RemovableSlot.Ports {
		if port.Active {
			active = true
			break
		}
	}
	return &model.SlotSnapshot{
		RemovablePresence:   presence,
		RemovableSlotActive: active,
		ModemCount:          hs.ModemCount,
		MEPSupported:        hs.MEPSupported,
	}
}

func (hs HardwareState) Profiles() []model.EmbeddedProfile {
	out := make([]model.EmbeddedProfile, 0, len(hs.EmbeddedProfiles))
	for _, p := range hs.EmbeddedProfiles {
		out = append(out, model.EmbeddedProfile{SubscriptionID: p.SubscriptionID, GroupID: strings.TrimSpace(p.GroupID)})
	}
	return out
}

func (hs HardwareState) Active() []model.ActiveSubscription {
	out := make([]model.ActiveSubscription, 0, len(hs.ActiveSubscriptions))
	for _, a := range hs.ActiveSubscriptions {
		out = append(out, model.ActiveSubscription{SubscriptionID: a.SubscriptionID, IsEmbedded: a.Embedded})
	}
	return out
}

// EnabledRemovable returns the first active subscription that lives on the
// removable card.
func (hs HardwareState) EnabledRemovable() (model.ActiveSubscription, bool) {
	for _, a := range hs.ActiveSubscriptions {
		if !a.Embedded {
			return model.ActiveSubscription{SubscriptionID: a.SubscriptionID}, true
		}
	}
	return model.ActiveSubscription{}, false
}
