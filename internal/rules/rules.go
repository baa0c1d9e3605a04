// Package rules exposes the chess capabilities the session service needs
// without tying it to a particular chess library.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corentings/chess/v2"

	"relaychess/internal/logging"
	"relaychess/internal/model"
)

// ErrIllegalMove is returned when a move is not legal in the position.
var ErrIllegalMove = errors.New("illegal move")

// ErrBadPosition is returned when a position string cannot be parsed.
var ErrBadPosition = errors.New("bad position")

// Move is a from/to pair with an optional promotion piece (q, r, b or n).
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders m in UCI long algebraic form, e.g. e7e8q.
func (m Move) UCI() string {
	return strings.ToLower(m.From + m.To + m.Promotion)
}

// Result is the outcome of applying a move.
type Result struct {
	FEN string
	// Promotion is the piece actually promoted to, after defaulting.
	Promotion string
	Check     bool
	Checkmate bool
	Draw      bool
	// Method names how the game ended, e.g. Checkmate or Stalemate.
	Method string
}

// Status summarises a position.
type Status struct {
	Turn      model.Color
	Check     bool
	Checkmate bool
	Draw      bool
	Method    string
}

// Engine is the rules capability consumed by the session and poll logic.
type Engine interface {
	SideToMove(fen string) (model.Color, error)
	LegalMoves(fen, square string) ([]Move, error)
	Apply(fen string, m Move) (Result, error)
	Status(fen string) (Status, error)
	IsCheck(fen string) (bool, error)
}

// ChessEngine implements Engine with corentings/chess.
type ChessEngine struct{}

// NewChessEngine returns the default rules engine.
func NewChessEngine() ChessEngine {
	return ChessEngine{}
}

var _ Engine = ChessEngine{}

func load(fen string) (*chess.Game, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return chess.NewGame(opt), nil
}

func colorOf(c chess.Color) model.Color {
	if c == chess.Black {
		return model.Black
	}
	return model.White
}

var promoLetters = map[chess.PieceType]string{
	chess.Queen:  "q",
	chess.Rook:   "r",
	chess.Bishop: "b",
	chess.Knight: "n",
}

// SideToMove returns whose turn it is in fen.
func (ChessEngine) SideToMove(fen string) (model.Color, error) {
	g, err := load(fen)
	if err != nil {
		return "", err
	}
	return colorOf(g.Position().Turn()), nil
}

// LegalMoves lists the legal moves starting on square. An empty square
// lists every legal move in the position.
func (ChessEngine) LegalMoves(fen, square string) ([]Move, error) {
	g, err := load(fen)
	if err != nil {
		return nil, err
	}
	square = strings.ToLower(square)

	var out []Move
	for _, m := range g.ValidMoves() {
		from := m.S1().String()
		if square != "" && from != square {
			continue
		}
		out = append(out, Move{From: from, To: m.S2().String(), Promotion: promoLetters[m.Promo()]})
	}
	return out, nil
}

// Apply validates m against fen and returns the resulting position. A pawn
// reaching the last rank without a promotion piece becomes a queen.
func (e ChessEngine) Apply(fen string, m Move) (Result, error) {
	g, err := load(fen)
	if err != nil {
		return Result{}, err
	}

	m.From = strings.ToLower(strings.TrimSpace(m.From))
	m.To = strings.ToLower(strings.TrimSpace(m.To))
	m.Promotion = strings.ToLower(strings.TrimSpace(m.Promotion))
	if m.Promotion == "" && needsPromotion(g, m) {
		m.Promotion = "q"
		logging.Debugf("auto-promoting %s%s to queen", m.From, m.To)
	}

	vm, ok := findMove(g, m.UCI())
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, m.UCI())
	}
	if err := g.Move(vm, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, m.UCI(), err)
	}

	res := Result{
		FEN:       g.Position().String(),
		Promotion: m.Promotion,
	}
	if moves := g.Moves(); len(moves) > 0 {
		res.Check = moves[len(moves)-1].HasTag(chess.Check)
	}
	res.Checkmate, res.Draw, res.Method = outcome(g)
	return res, nil
}

// Status reports the side to move, whether it is in check and whether fen
// is a finished position.
func (ChessEngine) Status(fen string) (Status, error) {
	g, err := load(fen)
	if err != nil {
		return Status{}, err
	}
	st := Status{Turn: colorOf(g.Position().Turn())}
	st.Checkmate, st.Draw, st.Method = outcome(g)
	if st.Checkmate {
		st.Check = true
	} else if st.Check, err = inCheck(fen); err != nil {
		return Status{}, err
	}
	return st, nil
}

// IsCheck reports whether the side to move in fen is in check.
func (e ChessEngine) IsCheck(fen string) (bool, error) {
	st, err := e.Status(fen)
	if err != nil {
		return false, err
	}
	return st.Check, nil
}

// inCheck hands the move to the other side and looks for a legal capture
// of the king.
func inCheck(fen string) (bool, error) {
	g, err := load(fen)
	if err != nil {
		return false, err
	}
	pos := g.Position()
	king := chess.WhiteKing
	if pos.Turn() == chess.Black {
		king = chess.BlackKing
	}
	kingSq := chess.NoSquare
	for sq, p := range pos.Board().SquareMap() {
		if p == king {
			kingSq = sq
			break
		}
	}
	if kingSq == chess.NoSquare {
		return false, nil
	}
	for _, m := range pos.ChangeTurn().ValidMoves() {
		if m.S2() == kingSq {
			return true, nil
		}
	}
	return false, nil
}

func outcome(g *chess.Game) (checkmate, draw bool, method string) {
	switch g.Outcome() {
	case chess.NoOutcome:
		return false, false, ""
	case chess.Draw:
		return false, true, g.Method().String()
	default:
		return g.Method() == chess.Checkmate, false, g.Method().String()
	}
}

// needsPromotion reports whether some legal move from m.From to m.To
// requires a promotion piece.
func needsPromotion(g *chess.Game, m Move) bool {
	for _, vm := range g.ValidMoves() {
		if vm.S1().String() == m.From && vm.S2().String() == m.To && vm.Promo() != chess.NoPieceType {
			return true
		}
	}
	return false
}

// findMove returns the legal move whose UCI form is uci.
func findMove(g *chess.Game, uci string) (*chess.Move, bool) {
	moves := g.ValidMoves()
	for i := range moves {
		if moves[i].String() == uci {
			return &moves[i], true
		}
	}
	return nil, false
}
