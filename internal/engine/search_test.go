package engine_test

import (
	"errors"
	"testing"

	"printlegion/internal/engine"
	"printlegion/internal/store"
)

func TestSearchExcludesOwnJobs(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", coordsCreator, true)
	env.user(t, "bob", coordsPrinter, false)
	env.job(t, "alice")
	env.job(t, "bob")

	results, err := env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "alice"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Job.CreatorID != "bob" {
		t.Fatalf("expected only bob's job, got %+v", results)
	}
}

func TestSearchRespectsViewRadius(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "viewer", coordsCreator, true)
	env.user(t, "near", coordsPrinter, false)
	env.user(t, "far", coordsFar, false)
	env.job(t, "near")
	env.job(t, "far")

	// default 25km bucket hides the Lyon job
	results, err := env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "viewer"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Job.CreatorID != "near" {
		t.Fatalf("25km bucket should only show the nearby job: %+v", results)
	}

	// the global bucket shows everything
	results, err = env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "viewer", Radius: "infinitekm_global"})
	if err != nil {
		t.Fatalf("global search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("global bucket should show both jobs, got %d", len(results))
	}
}

func TestSearchOrdersPreferredTopicsThenDistance(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "viewer", coordsCreator, true)
	topics := []string{"medical"}
	if _, err := env.Engine.UpdateSettings(env.Ctx, "viewer", store.UserUpdate{PreferredTopics: &topics}); err != nil {
		t.Fatalf("set topics: %v", err)
	}
	env.user(t, "near", coordsPrinter, false)
	env.user(t, "far", coordsFar, false)

	mk := func(creator, name, topic string) {
		t.Helper()
		_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
			CreatorID:       creator,
			ItemName:        name,
			ItemDescription: "desc",
			Topic:           topic,
		})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	mk("near", "near-plain", "tools")
	mk("far", "far-medical", "medical")
	mk("near", "near-medical", "medical")

	results, err := env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "viewer", Radius: "infinitekm_global"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	// topic matches first, nearest first within each group
	if results[0].Job.ItemName != "near-medical" || results[1].Job.ItemName != "far-medical" || results[2].Job.ItemName != "near-plain" {
		order := []string{results[0].Job.ItemName, results[1].Job.ItemName, results[2].Job.ItemName}
		t.Fatalf("wrong order: %v", order)
	}
	if !results[0].TopicMatch || results[2].TopicMatch {
		t.Fatalf("topic match flags wrong: %+v", results)
	}
}

func TestSearchTextQuery(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "viewer", coordsCreator, true)
	env.user(t, "maker", coordsPrinter, false)
	mk := func(name, desc string) {
		t.Helper()
		_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
			CreatorID: "maker", ItemName: name, ItemDescription: desc,
		})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	mk("phone stand", "holds a phone upright")
	mk("wall hook", "small PLA hook")

	results, err := env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "viewer", Query: "Phone"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Job.ItemName != "phone stand" {
		t.Fatalf("query filter wrong: %+v", results)
	}
}

func TestSearchRequiresViewerLocation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureUser(env.Ctx, "nowhere"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err := env.Engine.Search(env.Ctx, engine.SearchOptions{ActorID: "nowhere"})
	if !errors.Is(err, engine.ErrLocationRequired) {
		t.Fatalf("expected ErrLocationRequired, got %v", err)
	}
}
