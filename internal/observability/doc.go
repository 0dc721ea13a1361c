// Package observability records the work loop's notification stream as
// JSON Lines, derives metrics and alerts from it on demand, and forwards
// alerts and escalations to Slack.
package observability
