// Package catalogtest builds small in-memory catalogs for tests.
package catalogtest

import (
	"fmt"
	"testing"

	"github.com/p-n-ai/pai-arena/internal/arena"
	"github.com/p-n-ai/pai-arena/internal/catalog"
)

// Ecosystems returns a three-lesson catalog:
//
//	L1 "Components"   no quiz
//	L2 "Food chains"  quiz Q2, ten questions Q2-01..Q2-10 (correct option "<id>-a")
//	L3 "Symbiosis"    quiz Q3, two questions, Q3-02 has no correct option
//
// Badges bronze(50), silver(100), gold(200). Arena module M1 (symbiosis
// duel, activity A1) is gated by L2.
func Ecosystems(t testing.TB) *catalog.Catalog {
	t.Helper()

	q2 := catalog.Quiz{ID: "Q2", Title: "Food chain check"}
	for i := 1; i <= 10; i++ {
		q2.Questions = append(q2.Questions, Question(fmt.Sprintf("Q2-%02d", i)))
	}
	q3 := catalog.Quiz{ID: "Q3", Title: "Symbiosis check", Questions: []catalog.Question{
		Question("Q3-01"),
		{ID: "Q3-02", Text: "Ungraded", Options: []catalog.Option{{ID: "Q3-02-a"}, {ID: "Q3-02-b"}}},
	}}

	topics := []catalog.Topic{
		{ID: "A", Title: "Ecosystems", Order: 1, Lessons: []catalog.Lesson{
			{ID: "L1", Title: "Components", Order: 1},
			{ID: "L2", Title: "Food chains", Order: 2, Quiz: &q2},
		}},
		{ID: "B", Title: "Interactions", Order: 2, Lessons: []catalog.Lesson{
			{ID: "L3", Title: "Symbiosis", Order: 1, Quiz: &q3},
		}},
	}
	badges := []catalog.Badge{
		{ID: "gold", Name: "Gold", PointThreshold: 200},
		{ID: "bronze", Name: "Bronze", PointThreshold: 50},
		{ID: "silver", Name: "Silver", PointThreshold: 100},
	}

	duel, err := arena.Decode("A1", "M1", arena.KindSymbiosisDuel,
		[]byte(`{"pair":"Bee and flower","choices":["Mutualism","Parasitism"],"answer":"Mutualism"}`))
	if err != nil {
		t.Fatalf("decode fixture activity: %v", err)
	}
	modules := []catalog.ArenaModule{{
		ID: "M1", Title: "Symbiosis duel", Kind: arena.KindSymbiosisDuel,
		PrerequisiteLessonID: "L2", Activities: []arena.Activity{duel},
	}}

	c, err := catalog.New(topics, badges, modules)
	if err != nil {
		t.Fatalf("build fixture catalog: %v", err)
	}
	return c
}

// Question returns a two-option question whose correct option is id+"-a".
func Question(id string) catalog.Question {
	return catalog.Question{
		ID:   id,
		Text: "Question " + id,
		Options: []catalog.Option{
			{ID: id + "-a", Text: "right", Correct: true},
			{ID: id + "-b", Text: "wrong"},
		},
	}
}

// Answers answers the first correct questions of quiz Q2 correctly and the
// rest wrongly.
func Answers(correct int) map[string]string {
	out := make(map[string]string, 10)
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("Q2-%02d", i)
		if i <= correct {
			out[id] = id + "-a"
		} else {
			out[id] = id + "-b"
		}
	}
	return out
}
