// Package sweetpeep implements a Discord bot that performs scripted,
// multi-character scenes in a server, with a cast of companion bot
// accounts acting as the performers.
//
// Sweet Peep is built around a coordinator bot and any number of
// performing characters. Scenes are JSON files describing a graph of
// dialogue nodes, each spoken by a named character. The coordinator
// tracks the active scene in the database, and each character's worker
// watches for its turn, speaks its line through its own bot account,
// and advances the scene. When a scene reaches a choice node, playback
// pauses and the audience picks the next branch via buttons or a
// slash command.
//
// Key components of the package include:
//
//   - SweetPeep: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the coordinator's Discord integration.
//   - Character: A performing bot account that speaks scene dialogue.
//   - Stage: Shared scene playback state, backed by the database.
//   - SceneLibrary: Loads and validates scene files from disk.
//   - Announcer: Schedules one-off and recurring announcements.
//   - BirthdayTracker: Records member birthdays and announces them.
//   - Welcomer: Greets new members, including ones who joined while
//     the bot was offline.
//   - API: Provides a backend API for bot management and monitoring.
//
// The bot supports various commands:
//
//   - /scene start|stop|status|list: Controls scene playback.
//   - /announce: Schedules an announcement.
//   - /announcements list|cancel: Manages pending announcements.
//   - /birthday: Records a member's birthday.
//   - /birthdays: Lists upcoming birthdays.
//
// Sweet Peep also includes rate limiting on character messages,
// member management, and extensive logging to ensure smooth operation
// and easy troubleshooting.
package sweetpeep
