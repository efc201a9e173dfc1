package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trapwatch/go-mqtt-server/internal/model"
)

// trapState is the retained message published for every change.
type trapState struct {
	TrapID         string    `json:"trap_id"`
	IsNew          bool      `json:"is_new"`
	Tripped        bool      `json:"tripped"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
	RSSI           int       `json:"rssi"`
	LastSeen       time.Time `json:"last_seen"`
	Updates        uint64    `json:"updates"`
}

func stateTopic(prefix, trapID string) string {
	return fmt.Sprintf("%s/%s/state", strings.TrimSuffix(prefix, "/"), trapID)
}

func newTrapState(c model.Change) trapState {
	st := trapState{
		TrapID:   c.TrapID,
		IsNew:    c.IsNew,
		Tripped:  c.State.Tripped,
		RSSI:     c.State.RSSI,
		LastSeen: c.State.LastSeen.UTC(),
		Updates:  c.State.Updates,
	}
	if c.State.HasBattery {
		v := model.RoundVoltage(c.State.BatteryVoltage)
		st.BatteryVoltage = &v
	}
	return st
}

// publishState mirrors each change onto the broker as a retained message so
// consumers that connect late still see the latest state.
func (a *App) publishState(c model.Change) {
	payload, err := json.Marshal(newTrapState(c))
	if err != nil {
		a.logger.Error("failed to encode trap state", "trap", c.TrapID, "error", err)
		return
	}

	topic := stateTopic(a.cfg.StateTopicPrefix, c.TrapID)
	if err := a.broker.PublishRetained(topic, payload); err != nil {
		a.logger.Error("failed to publish trap state", "topic", topic, "error", err)
	}
}

// journalChange appends each change to the observation journal.
func (a *App) journalChange(c model.Change) {
	db := a.db()
	if db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := db.RecordChange(ctx, c); err != nil {
		a.logger.Error("failed to persist trap observation", "trap", c.TrapID, "error", err)
	}
}
