// Codewords game core.
//
// Two teams, blue and red, share a 5x5 board of word cards. Each card
// secretly belongs to one team, is neutral, or is the assassin. Each
// team has one spymaster who can see the card types and gives one-word
// clues; the team's operatives guess cards one at a time. Revealing a
// card of the other team's color (or a neutral card) passes the turn.
// Revealing the assassin loses the game on the spot. A team wins once
// every card of its color is revealed.
//
// Every browser in a room runs its own copy of this state machine; the
// relay broker only moves presence records and state frames between
// them. This file is the pure rules engine: it has no knowledge of the
// transport, and remote effects only ever arrive through applySync.

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
)

const (
	boardRows    = 5
	boardColumns = 5
	boardSize    = boardRows * boardColumns
)

// Card budgets used during board generation, consumed in this order.
// The starting team gets one card fewer as the trade-off for moving first.
const (
	startingTeamCards = 8
	secondTeamCards   = 9
	neutralCards      = 7
	assassinCards     = 1
)

type Team string

const (
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

func (t Team) Opponent() Team {
	if t == TeamBlue {
		return TeamRed
	}
	return TeamBlue
}

type Role string

const (
	RoleSpymaster Role = "spymaster"
	RoleOperative Role = "operative"
)

type GameStatus string

const (
	StatusIdle    GameStatus = "idle"
	StatusPlaying GameStatus = "playing"
)

type CardType string

const (
	CardBlue     CardType = "blue"
	CardRed      CardType = "red"
	CardNeutral  CardType = "neutral"
	CardAssassin CardType = "assassin"
)

type CardStatus string

const (
	CardHidden   CardStatus = "hidden"
	CardRevealed CardStatus = "revealed"
)

// Position is a cell on the 5x5 board.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Player is one room member. Team and Role are empty until the player
// picks a seat.
type Player struct {
	Username string `json:"username"`
	Team     Team   `json:"team,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// GameWord is one card on the board. Status is monotonic: once revealed,
// a card never goes back to hidden. MarkedBy holds the usernames of
// operatives who have provisionally marked the card during discussion.
type GameWord struct {
	Word     string     `json:"word"`
	Position Position   `json:"position"`
	Type     CardType   `json:"type"`
	Status   CardStatus `json:"status"`
	MarkedBy []string   `json:"markedByUsernames,omitempty"`
}

// Round is the current turn: whose team it is, and whether the team is
// in the clue-giving or guessing phase.
type Round struct {
	Team   Team   `json:"team"`
	Role   Role   `json:"role"`
	Clue   string `json:"clue,omitempty"`
	Number int    `json:"number,omitempty"`
}

func initialRound() Round {
	return Round{
		Team: TeamBlue,
		Role: RoleSpymaster,
	}
}

// Field identifies the top-level fields of the aggregate for change
// notification and partial sync payloads.
type Field uint8

const (
	FieldStatus Field = 1 << iota
	FieldRound
	FieldPlayers
	FieldGameWords
)

// TeamView is the derived per-team summary shown in the lobby sidebar.
type TeamView struct {
	Spymaster  *Player  `json:"spymaster,omitempty"`
	Operatives []Player `json:"operatives"`
	CardsLeft  int      `json:"cardsLeft"`
}

// Game is the full aggregate one peer owns: status, round, roster, and
// board. Local mutations go through the exported methods below, which
// fire onChange with the set of fields they touched; remote state
// arrives only through applySync, which never fires onChange. Keeping
// those two paths separate is what prevents broadcast echo loops.
type Game struct {
	mu       sync.RWMutex
	username string

	status    GameStatus
	round     Round
	players   []Player
	gameWords []GameWord

	// onChange is invoked after a locally originated mutation commits,
	// outside the lock, with the fields that changed.
	onChange func(fields Field)

	// notify surfaces blocking, local-only messages ("there is already
	// a spymaster in this team", "game over"). Never broadcast.
	notify func(message string)
}

func newGame(username string) *Game {
	return &Game{
		username: username,
		status:   StatusIdle,
		round:    initialRound(),
		onChange: func(Field) {},
		notify: func(message string) {
			log.Printf("GAME: %s", message)
		},
	}
}

// OnNotify replaces the hook for blocking, local-only messages. The UI
// collaborator points this at its alert mechanism.
func (g *Game) OnNotify(fn func(message string)) {
	g.notify = fn
}

func (g *Game) Status() GameStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.status
}

func (g *Game) Round() Round {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.round
}

func (g *Game) Players() []Player {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return clonePlayers(g.players)
}

func (g *Game) GameWords() []GameWord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return cloneWords(g.gameWords)
}

// CurrentPlayer resolves this peer's own roster entry.
func (g *Game) CurrentPlayer() (Player, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	player := g.findPlayerLocked(g.username)
	if player == nil {
		return Player{}, false
	}
	return *player, true
}

// Teams builds the derived per-team views. Computed on demand, never
// stored.
func (g *Game) Teams() map[Team]TeamView {
	g.mu.RLock()
	defer g.mu.RUnlock()

	views := make(map[Team]TeamView, 2)
	for _, team := range []Team{TeamBlue, TeamRed} {
		view := TeamView{
			Operatives: []Player{},
		}
		for i := range g.players {
			p := g.players[i]
			if p.Team != team {
				continue
			}
			switch p.Role {
			case RoleSpymaster:
				spymaster := p
				view.Spymaster = &spymaster
			case RoleOperative:
				view.Operatives = append(view.Operatives, p)
			}
		}
		for _, w := range g.gameWords {
			if w.Type == CardType(team) && w.Status != CardRevealed {
				view.CardsLeft++
			}
		}
		views[team] = view
	}
	return views
}

func (g *Game) findPlayerLocked(username string) *Player {
	for i := range g.players {
		if g.players[i].Username == username {
			return &g.players[i]
		}
	}
	return nil
}

// ChangeTeamOrRole moves the acting player to the given team and/or
// role. Assigning a second spymaster to a team is rejected without
// mutating anything.
func (g *Game) ChangeTeamOrRole(team Team, role Role) {
	g.mu.Lock()

	player := g.findPlayerLocked(g.username)
	if player == nil {
		g.mu.Unlock()
		return
	}

	if role == RoleSpymaster {
		target := team
		if target == "" {
			target = player.Team
		}
		for i := range g.players {
			p := g.players[i]
			if p.Username != player.Username && p.Team == target && p.Role == RoleSpymaster {
				g.mu.Unlock()
				g.notify("There is already a spymaster in this team")
				return
			}
		}
	}

	if team != "" {
		player.Team = team
	}
	if role != "" {
		player.Role = role
	}
	g.mu.Unlock()

	g.onChange(FieldPlayers)
}

// UpdateRound merges a clue into the current round and hands the turn
// to the operatives: supplying a clue is what ends the clue-giving
// phase.
func (g *Game) UpdateRound(clue string, number int) {
	g.mu.Lock()
	g.round.Clue = clue
	g.round.Number = number
	g.round.Role = RoleOperative
	g.mu.Unlock()

	g.onChange(FieldRound)
}

// StartGame builds a fresh 25-card board from a random slice of the
// dictionary and flips the game to playing. Status is left untouched
// on any failure.
func (g *Game) StartGame(ctx context.Context, source WordSource) error {
	count, err := source.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting words: %w", err)
	}
	if count < boardSize {
		return fmt.Errorf("dictionary has %d words, need at least %d", count, boardSize)
	}

	offset := rand.Intn(count - boardSize + 1)
	rows, err := source.FetchRange(ctx, offset, boardSize)
	if err != nil {
		return fmt.Errorf("fetching words: %w", err)
	}
	if len(rows) != boardSize {
		return fmt.Errorf("expected %d words, got %d", boardSize, len(rows))
	}

	// Budgets are consumed in a fixed priority order; the random card
	// placement comes entirely from the position shuffle below.
	blueLeft := startingTeamCards
	redLeft := secondTeamCards
	neutralLeft := neutralCards
	assassinLeft := assassinCards

	nextType := func() CardType {
		switch {
		case blueLeft > 0:
			blueLeft--
			return CardBlue
		case redLeft > 0:
			redLeft--
			return CardRed
		case neutralLeft > 0:
			neutralLeft--
			return CardNeutral
		case assassinLeft > 0:
			assassinLeft--
			return CardAssassin
		}
		return CardNeutral
	}

	positions := make([]Position, 0, boardSize)
	for x := 0; x < boardRows; x++ {
		for y := 0; y < boardColumns; y++ {
			positions = append(positions, Position{X: x, Y: y})
		}
	}

	words := make([]GameWord, 0, boardSize)
	for _, row := range rows {
		i := rand.Intn(len(positions))
		position := positions[i]
		positions[i] = positions[len(positions)-1]
		positions = positions[:len(positions)-1]

		words = append(words, GameWord{
			Word:     row.Word,
			Position: position,
			Type:     nextType(),
			Status:   CardHidden,
		})
	}

	g.mu.Lock()
	g.gameWords = words
	g.status = StatusPlaying
	g.mu.Unlock()

	g.onChange(FieldGameWords | FieldStatus)

	return nil
}

// GuessCard reveals the card at the given position on behalf of the
// acting player. Only operatives may guess, only while playing, and
// only hidden cards. Revealing a card that is not the guessing team's
// color passes the turn; revealing the assassin ends the game on the
// spot.
func (g *Game) GuessCard(position Position) {
	g.mu.Lock()

	if g.status != StatusPlaying {
		g.mu.Unlock()
		return
	}

	player := g.findPlayerLocked(g.username)
	if player == nil || player.Role != RoleOperative {
		g.mu.Unlock()
		return
	}

	word := g.findWordLocked(position)
	if word == nil {
		g.mu.Unlock()
		log.Printf("GAME: no card at position (%d,%d)", position.X, position.Y)
		return
	}
	if word.Status == CardRevealed {
		g.mu.Unlock()
		return
	}

	guessingTeam := g.round.Team

	if word.Type == CardAssassin {
		g.resetBoardLocked()
		g.mu.Unlock()

		g.onChange(FieldStatus | FieldRound | FieldGameWords)
		g.notify(fmt.Sprintf("Game over: team %s found the assassin", guessingTeam))
		return
	}

	word.Status = CardRevealed
	word.MarkedBy = nil

	changed := FieldGameWords

	if word.Type != CardType(g.round.Team) {
		g.endRoundLocked()
		changed |= FieldRound
	}

	winner, won := g.winnerLocked()
	if won {
		g.resetBoardLocked()
		changed |= FieldStatus | FieldRound | FieldGameWords
	}
	g.mu.Unlock()

	g.onChange(changed)
	if won {
		g.notify(fmt.Sprintf("Game over: team %s wins", winner))
	}
}

// ToggleMark adds or removes the acting player's provisional mark on a
// hidden card. Marks are discussion aids only; they carry no rules
// weight and are cleared when the card is revealed.
func (g *Game) ToggleMark(position Position) {
	g.mu.Lock()

	if g.status != StatusPlaying {
		g.mu.Unlock()
		return
	}

	player := g.findPlayerLocked(g.username)
	if player == nil || player.Role != RoleOperative {
		g.mu.Unlock()
		return
	}

	word := g.findWordLocked(position)
	if word == nil || word.Status == CardRevealed {
		g.mu.Unlock()
		return
	}

	for i, username := range word.MarkedBy {
		if username == g.username {
			word.MarkedBy = append(word.MarkedBy[:i], word.MarkedBy[i+1:]...)
			g.mu.Unlock()
			g.onChange(FieldGameWords)
			return
		}
	}
	word.MarkedBy = append(word.MarkedBy, g.username)
	g.mu.Unlock()

	g.onChange(FieldGameWords)
}

// EndRound passes the turn to the other team and returns to the
// clue-giving phase.
func (g *Game) EndRound() {
	g.mu.Lock()
	g.endRoundLocked()
	g.mu.Unlock()

	g.onChange(FieldRound)
}

// EndGame resets the board and round but keeps the roster: leaving the
// room is what removes a player, not the game ending.
func (g *Game) EndGame() {
	g.mu.Lock()
	g.resetBoardLocked()
	g.mu.Unlock()

	g.onChange(FieldStatus | FieldRound | FieldGameWords)
}

func (g *Game) findWordLocked(position Position) *GameWord {
	for i := range g.gameWords {
		if g.gameWords[i].Position == position {
			return &g.gameWords[i]
		}
	}
	return nil
}

func (g *Game) endRoundLocked() {
	g.round = Round{
		Team: g.round.Team.Opponent(),
		Role: RoleSpymaster,
	}
}

func (g *Game) resetBoardLocked() {
	g.status = StatusIdle
	g.round = initialRound()
	g.gameWords = nil
}

// winnerLocked reports the team whose own-color cards are all revealed,
// if any. Only meaningful while a board is present.
func (g *Game) winnerLocked() (Team, bool) {
	if len(g.gameWords) != boardSize {
		return "", false
	}
	for _, team := range []Team{TeamBlue, TeamRed} {
		hidden := 0
		for _, w := range g.gameWords {
			if w.Type == CardType(team) && w.Status != CardRevealed {
				hidden++
			}
		}
		if hidden == 0 {
			return team, true
		}
	}
	return "", false
}

// --- Roster mutations driven by the session layer ---

// SeedRoster initializes the roster with this peer as the sole player.
// Used when the peer is the first occupant of a room.
func (g *Game) SeedRoster() {
	g.mu.Lock()
	g.players = []Player{{Username: g.username}}
	g.mu.Unlock()

	g.onChange(FieldPlayers)
}

// UpsertPlayer adds a player to the roster, or overwrites the existing
// entry with the same username. Duplicates are corrected, not stacked.
func (g *Game) UpsertPlayer(player Player) {
	g.mu.Lock()
	if existing := g.findPlayerLocked(player.Username); existing != nil {
		log.Printf("GAME: player %q already in roster, overwriting", player.Username)
		*existing = player
	} else {
		g.players = append(g.players, player)
	}
	g.mu.Unlock()

	g.onChange(FieldPlayers)
}

// RemovePlayers drops the given usernames from the roster. Unknown
// usernames are ignored.
func (g *Game) RemovePlayers(usernames []string) {
	g.mu.Lock()

	gone := make(map[string]bool, len(usernames))
	for _, username := range usernames {
		gone[username] = true
	}

	dst := g.players[:0]
	changed := false
	for _, p := range g.players {
		if gone[p.Username] {
			changed = true
			continue
		}
		dst = append(dst, p)
	}
	g.players = dst
	g.mu.Unlock()

	if !changed {
		return
	}

	g.onChange(FieldPlayers)
}

// --- Remote merge path ---

// applySync merges the fields present in a remote payload into the
// aggregate. It never fires onChange: remote state must not be
// rebroadcast.
func (g *Game) applySync(payload SyncPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if payload.Status != nil {
		g.status = *payload.Status
	}
	if payload.Round != nil {
		g.round = *payload.Round
	}
	if payload.Players != nil {
		g.players = clonePlayers(*payload.Players)
	}
	if payload.GameWords != nil {
		g.gameWords = cloneWords(*payload.GameWords)
	}
}

// syncPayload snapshots the requested fields into a partial payload.
func (g *Game) syncPayload(fields Field) SyncPayload {
	g.mu.RLock()
	defer g.mu.RUnlock()

	payload := SyncPayload{}
	if fields&FieldStatus != 0 {
		status := g.status
		payload.Status = &status
	}
	if fields&FieldRound != 0 {
		round := g.round
		payload.Round = &round
	}
	if fields&FieldPlayers != 0 {
		players := clonePlayers(g.players)
		payload.Players = &players
	}
	if fields&FieldGameWords != 0 {
		words := cloneWords(g.gameWords)
		payload.GameWords = &words
	}
	return payload
}

func clonePlayers(players []Player) []Player {
	if players == nil {
		return nil
	}
	dst := make([]Player, len(players))
	copy(dst, players)
	return dst
}

func cloneWords(words []GameWord) []GameWord {
	if words == nil {
		return nil
	}
	dst := make([]GameWord, len(words))
	for i, w := range words {
		if w.MarkedBy != nil {
			w.MarkedBy = append([]string(nil), w.MarkedBy...)
		}
		dst[i] = w
	}
	return dst
}
