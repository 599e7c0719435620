// SPDX-License-Identifier: MIT

// Package model holds the domain types shared across the engine: events,
// plugins, plugin configs, jobs and the error taxonomy.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Property keys attached to an event after a plugin chain has run.
const (
	PropPluginsSucceeded = "$plugins_succeeded"
	PropPluginsFailed    = "$plugins_failed"
)

// PropLib names the library that captured an event; plugin-captured events
// carry the plugin name unless the plugin sets it itself.
const PropLib = "$lib"

// EventSnapshot is the name of session-recording snapshot events, which
// bypass the processing chain and fan out to onSnapshot observers instead.
const EventSnapshot = "$snapshot"

// Event is one analytics event flowing through the plugin chain. Ownership
// passes linearly through the chain for a single event; concurrent events
// are independent values.
type Event struct {
	UUID       string         `json:"uuid"`
	TeamID     int            `json:"team_id"`
	Name       string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent builds an event with a fresh UUID and a non-nil property bag.
func NewEvent(teamID int, name, distinctID string) *Event {
	return &Event{
		UUID:       uuid.New().String(),
		TeamID:     teamID,
		Name:       name,
		DistinctID: distinctID,
		Properties: map[string]any{},
		Timestamp:  time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy: the property bag is copied one level so
// a failing plugin's mutation can be discarded without aliasing surprises.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	return &out
}

// AppendOutcome records a plugin's success or failure on the event's
// outcome lists, creating them on first use.
func (e *Event) AppendOutcome(pluginName string, succeeded bool) {
	key := PropPluginsFailed
	if succeeded {
		key = PropPluginsSucceeded
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	list, _ := e.Properties[key].([]string)
	e.Properties[key] = append(list, pluginName)
}

// ToMap renders the event as a plain map for handing into a sandbox VM.
func (e *Event) ToMap() map[string]any {
	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}
	return map[string]any{
		"uuid":        e.UUID,
		"team_id":     e.TeamID,
		"event":       e.Name,
		"distinct_id": e.DistinctID,
		"properties":  props,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// EventFromMap rebuilds an event from a sandbox-returned value. Unknown keys
// are ignored; missing keys fall back to the previous event's values so a
// plugin may return a partial object.
func EventFromMap(m map[string]any, prev *Event) *Event {
	out := prev.Clone()
	if out == nil {
		out = &Event{Properties: map[string]any{}}
	}
	if v, ok := m["event"].(string); ok {
		out.Name = v
	}
	if v, ok := m["distinct_id"].(string); ok {
		out.DistinctID = v
	}
	if v, ok := m["uuid"].(string); ok {
		out.UUID = v
	}
	switch v := m["team_id"].(type) {
	case int:
		out.TeamID = v
	case int64:
		out.TeamID = int(v)
	case float64:
		out.TeamID = int(v)
	}
	if v, ok := m["properties"].(map[string]any); ok {
		out.Properties = v
	}
	if v, ok := m["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.Timestamp = ts
		}
	}
	return out
}
