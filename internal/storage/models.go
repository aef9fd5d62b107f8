package storage

import "time"

// RaceResult is one finished race.
type RaceResult struct {
	ID         uint   `gorm:"primarykey"`
	SessionID  string `gorm:"size:36;index:idx_result_session"`
	Mode       uint8
	Track      string `gorm:"size:64"`
	Laps       uint8
	Reverse    bool
	RedScore   uint16
	BlueScore  uint16
	Winner     uint8
	FinishedAt time.Time     `gorm:"index:idx_result_finished"`
	Entries    []ResultEntry `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignKey:RaceResultID"`
}

// ResultEntry is one participant's line on the scoreboard. Position is
// 1-based; participants missing from the finish ranking come last.
type ResultEntry struct {
	ID            uint `gorm:"primarykey"`
	RaceResultID  uint `gorm:"index:idx_entry_result"`
	Position      int
	ParticipantID string `gorm:"size:36"`
	Name          string `gorm:"size:64"`
	Team          uint8
	Kart          string `gorm:"size:64"`
}
