// Package notify holds the domain model shared by every notifyd component:
// triggers, channels, jobs, preferences, schedules and executions.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every delivery channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

type Trigger string

const (
	TriggerNewProfileCreated      Trigger = "new_profile_created"
	TriggerNewMatch               Trigger = "new_match"
	TriggerMutualFavorite         Trigger = "mutual_favorite"
	TriggerShortlistAdded         Trigger = "shortlist_added"
	TriggerMatchMilestone         Trigger = "match_milestone"
	TriggerProfileView            Trigger = "profile_view"
	TriggerFavorited              Trigger = "favorited"
	TriggerProfileVisibilitySpike Trigger = "profile_visibility_spike"
	TriggerSearchAppearance       Trigger = "search_appearance"
	TriggerNewMessage             Trigger = "new_message"
	TriggerMessageRead            Trigger = "message_read"
	TriggerConversationCold       Trigger = "conversation_cold"
	TriggerPIIRequest             Trigger = "pii_request"
	TriggerPIIGranted             Trigger = "pii_granted"
	TriggerPIIDenied              Trigger = "pii_denied"
	TriggerPIIExpiring            Trigger = "pii_expiring"
	TriggerSuspiciousLogin        Trigger = "suspicious_login"
	TriggerUnreadMessages         Trigger = "unread_messages"
	TriggerNewUsersMatching       Trigger = "new_users_matching"
	TriggerProfileIncomplete      Trigger = "profile_incomplete"
	TriggerUploadPhotos           Trigger = "upload_photos"
	TriggerWeeklyDigest           Trigger = "weekly_digest"
	TriggerMonthlyDigest          Trigger = "monthly_digest"
)

var knownTriggers = map[Trigger]struct{}{
	TriggerNewProfileCreated: {}, TriggerNewMatch: {}, TriggerMutualFavorite: {},
	TriggerShortlistAdded: {}, TriggerMatchMilestone: {}, TriggerProfileView: {},
	TriggerFavorited: {}, TriggerProfileVisibilitySpike: {}, TriggerSearchAppearance: {},
	TriggerNewMessage: {}, TriggerMessageRead: {}, TriggerConversationCold: {},
	TriggerPIIRequest: {}, TriggerPIIGranted: {}, TriggerPIIDenied: {},
	TriggerPIIExpiring: {}, TriggerSuspiciousLogin: {}, TriggerUnreadMessages: {},
	TriggerNewUsersMatching: {}, TriggerProfileIncomplete: {}, TriggerUploadPhotos: {},
	TriggerWeeklyDigest: {}, TriggerMonthlyDigest: {},
}

func (t Trigger) Known() bool {
	_, ok := knownTriggers[t]
	return ok
}

// ParseTrigger returns ErrUnknownTrigger for anything outside the catalogue.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(strings.ToLower(strings.TrimSpace(s)))
	if !t.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, s)
	}
	return t, nil
}

// Triggers returns the catalogue sorted by name.
func Triggers() []Trigger {
	out := make([]Trigger, 0, len(knownTriggers))
	for t := range knownTriggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// OrDefault maps the empty priority to medium.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobClaimed JobStatus = "claimed"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// Payload carries the caller's context for a dispatch.
type Payload struct {
	DedupKey string            `json:"dedup_key,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Priority Priority          `json:"priority,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// Job is one notification for one recipient over one channel. The channel is
// fixed at creation; later preference changes do not move it.
type Job struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	Trigger       Trigger   `json:"trigger"`
	Channel       Channel   `json:"channel"`
	Priority      Priority  `json:"priority"`
	Payload       Payload   `json:"payload"`
	Status        JobStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	ClaimedAt     time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Status    JobStatus
	Recipient string
	Trigger   Trigger
	Limit     int
}
