package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAutoSeats(t *testing.T) {
	tests := []struct {
		description   string
		tables        []Table
		enqueue       []string
		expectedSeats [][]string
		expectedQueue []string
	}{
		{"Two single seat tables take the first two players", []Table{{}, {}}, []string{"A", "B", "C"}, [][]string{{"A"}, {"B"}}, []string{"C"}},
		{"Doubles table takes two players", []Table{{Capacity: 2}}, []string{"A", "B", "C"}, [][]string{{"A", "B"}}, []string{"C"}},
		{"No tables keeps everyone queued", nil, []string{"A", "B"}, [][]string{}, []string{"A", "B"}},
		{"Duplicates are skipped", []Table{{}}, []string{"A", "A", "B", "B"}, [][]string{{"A"}}, []string{"B"}},
		{"Empty ids are skipped", []Table{{}}, []string{"", "A"}, [][]string{{"A"}}, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			l := &ListGame{Tables: tc.tables}
			l.normalize()
			l.Enqueue(tc.enqueue...)

			seats := [][]string{}
			for _, table := range l.Tables {
				seats = append(seats, table.Seats)
			}
			assert.Equal(t, tc.expectedSeats, seats, "Unexpected seating")
			assert.Equal(t, tc.expectedQueue, l.Queue, "Unexpected queue")
			assert.NoError(t, l.Validate())
		})
	}
}

func TestFinishTableWinnerStays(t *testing.T) {
	l := &ListGame{Tables: []Table{{Capacity: 2}}}
	l.normalize()
	l.Enqueue("A", "B", "C", "D")

	require.NoError(t, l.FinishTable(0, "A"))
	assert.Equal(t, []string{"A", "C"}, l.Tables[0].Seats)
	assert.Equal(t, []string{"D", "B"}, l.Queue)

	require.NoError(t, l.FinishTable(0, ""))
	assert.Equal(t, []string{"D", "B"}, l.Tables[0].Seats)
	assert.Equal(t, []string{"A", "C"}, l.Queue)

	assert.ErrorIs(t, l.FinishTable(3, "A"), ErrValidation)
	assert.ErrorIs(t, l.FinishTable(0, "Z"), ErrValidation)
}

func TestFinishTableWinnerMustSitThere(t *testing.T) {
	l := &ListGame{Tables: []Table{{}, {}}}
	l.normalize()
	l.Enqueue("A", "B", "C")
	require.Equal(t, 1, l.SeatOf("B"))
	require.Equal(t, -1, l.SeatOf("C"))

	assert.ErrorIs(t, l.FinishTable(0, "B"), ErrValidation, "B sits at the other table")
	assert.ErrorIs(t, l.FinishTable(0, "C"), ErrValidation, "C is only queued")
	assert.Equal(t, []string{"A"}, l.Tables[0].Seats)

	require.NoError(t, l.FinishTable(1, "B"))
	assert.Equal(t, []string{"B"}, l.Tables[1].Seats)
	assert.Equal(t, []string{"C"}, l.Queue)
}

func TestLeaveFreesSeat(t *testing.T) {
	l := &ListGame{Tables: []Table{{}}}
	l.normalize()
	l.Enqueue("A", "B")

	l.Leave("A")
	assert.Equal(t, []string{"B"}, l.Tables[0].Seats)
	assert.Empty(t, l.Queue)
	assert.Equal(t, []string{"B"}, l.Players)
}

func TestPendingAccept(t *testing.T) {
	l := &ListGame{Tables: []Table{{}}}
	l.normalize()
	l.Request("A")
	l.Request("A")
	assert.Equal(t, []string{"A"}, l.Pending)
	assert.Empty(t, l.Players)

	require.NoError(t, l.Accept("A"))
	assert.Empty(t, l.Pending)
	assert.Equal(t, []string{"A"}, l.Tables[0].Seats)
	assert.ErrorIs(t, l.Accept("nobody"), ErrValidation)
}

func TestListValidate(t *testing.T) {
	tests := []struct {
		description string
		list        ListGame
	}{
		{"Player seated twice", ListGame{Players: []string{"A"}, Tables: []Table{{Seats: []string{"A"}}, {Seats: []string{"A"}}}}},
		{"Queued and seated", ListGame{Players: []string{"A"}, Queue: []string{"A"}, Tables: []Table{{Seats: []string{"A"}}}}},
		{"Over capacity", ListGame{Players: []string{"A", "B"}, Tables: []Table{{Seats: []string{"A", "B"}}}}},
		{"Queued twice", ListGame{Players: []string{"A"}, Queue: []string{"A", "A"}}},
		{"Pending and queued", ListGame{Players: []string{"A"}, Queue: []string{"A"}, Pending: []string{"A"}}},
		{"Seated but not a player", ListGame{Tables: []Table{{Seats: []string{"A"}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			assert.ErrorIs(t, tc.list.Validate(), ErrValidation)
		})
	}
}

func TestListMembersIsSortedUnion(t *testing.T) {
	l := &ListGame{
		Players: []string{"C"},
		Queue:   []string{"B"},
		Pending: []string{"D"},
		Tables:  []Table{{Seats: []string{"A"}}},
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, l.Members())
}
