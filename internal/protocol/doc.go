// Package protocol is the lobby wire format: a one-byte event tag followed by
// a little-endian payload. Strings carry a uint16 length prefix, lists a
// uint8 count.
//
// Participant -> Authority
// ConnectionRequested:
//   version: u32, password: str, identity: str, name: str
//
// RequestBegin (owner only): {}
//   opens selection from the lobby; during selection closes it early
//
// KartSelection:
//   kart: str, team: u8 (0 keeps the current team)
//
// Vote:
//   track: str, laps: u8, reverse: bool
//
// ChangeTeam / ChangeHandicap / Chat
// KickHost, ConfigServer (owner only)
// ClientLoadedWorld: {}
// RaceFinishedAck: {}
//
// KartState (racing only, sent at a reduced rate):
//   id: str (empty), transform
//
// Authority -> Participant
// ConnectionRefused:
//   reason: u8 (Busy | Banned | IncompatibleData | IncorrectPassword |
//   InvalidPlayer | TooManyPlayers)
//
// ConnectionAccepted:
//   participant_id: str, team: u8
//
// ServerInfo, UpdatePlayerList, ServerOwnership, PlayerDisconnected
//
// StartSelection:
//   deadline_tick: u64
//
// LoadWorld:
//   mode, difficulty, track, laps, reverse, score_limit, time_limit_sec
//   score_limit is captures in capture the flag and hits in free-for-all
//
// StartRace:
//   start_tick: u64, now: u64
//
// KartState:
//   id: str (the sender), transform; relayed to everyone else
//
// ObjectiveUpdate (capture the flag only):
//   kind: u8, flag: u8, holder: str, transform, deadline: u64, team: u8,
//   score: u16
//
// RaceFinished:
//   red_score: u16, blue_score: u16, winner: u8, ranking: str[]
//
// ExitResult: {} (also sent when the host ends the results screen early)
// BadTeam: {} (reply to the requester only)
// BadConnection: {} (the connection closes after it)
package protocol
