// Package invitebroker implements a Discord bot that hands out invite links
// for a pool of capacity-limited private bot instances.
//
// Each guild that asks for a private bot is assigned, exactly once, to the
// least-loaded instance that still has a free slot. Assignments are made
// inside serializable transactions which are retried on conflict, so no
// instance is ever assigned more guilds than its server limit, even when
// many guilds request an invite at the same time.
//
// Key components of the package include:
//
//   - InviteBroker: The main struct that wires configuration, the database,
//     Discord and the operator API together.
//   - RunTransaction: Runs a UnitOfWork inside a transaction, retrying
//     serialization conflicts a bounded number of times.
//   - Allocator: Assigns guilds to private bot instances and reports
//     remaining capacity.
//   - Discord: Handles the Discord gateway session and slash commands.
//   - API: Provides a backend API for operators (capacity, instances, metrics).
//
// The bot supports the following commands:
//
//   - /help: Describes the bot.
//   - /invite public: Returns the invite link for the public bot.
//   - /invite private: Assigns a private bot to the guild (supporters only).
//   - /overview: Shows both invite options and the remaining private capacity.
package invitebroker
