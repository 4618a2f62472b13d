// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the session-rotation, deduplication and delivery
// pipeline that forwards chat messages from an upstream source to a
// downstream sink.
//
// # Core Types
//
// [Rotator] owns the upstream connection lifecycle. It alternates between
// two session slots ([SlotA], [SlotB]), opens a new connection on every
// rotation tick and drains the previous one after a short grace period, so
// there is never a gap in coverage. A drain is cut off before the next tick,
// and a connection still draining when the tick fires is stopped before the
// next one opens, so no more than two connections are ever live.
//
// [Normalizer] maps an upstream [Event] into a [NormalizedMessage], dropping
// events without text, events from direct chats and events from ignored
// channels ([IgnoreFilter]).
//
// [RecencyCache] suppresses the duplicates that overlapping connections
// produce during rotation. It admits each [RecencyKey] once per TTL window
// and evicts the oldest-inserted key when full.
//
// [DeliverySink] encodes messages to the wire payload and sends them over a
// [Transport] without blocking the caller. Send and keep-alive failures are
// latched as a [DeliveryError] and end the current pipeline.
//
// [Supervisor] runs one [Pipeline] per attempt and restarts a fresh one after
// a fixed delay whenever the previous attempt fails.
//
// # Delivery Guarantees
//
// Delivery is at-most-once and best effort. Messages in flight when a
// transport fails are dropped, and no dedup state survives a restart.
package relay
