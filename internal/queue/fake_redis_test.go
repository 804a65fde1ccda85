package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal in-memory stand-in for the slice of redis.Cmdable
// the queue package uses, so the tests exercise queue semantics without
// standing up a real Redis.
type fakeRedis struct {
	mu     sync.Mutex
	sets   map[string]map[string]bool
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		sets:   make(map[string]map[string]bool),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	if set["1"] {
		cmd.SetVal(false)
		return cmd
	}
	set["1"] = true
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
		if _, ok := f.zsets[k]; ok {
			delete(f.zsets, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewMapStringStringCmd(ctx)
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	var n int64
	for _, m := range members {
		s := m.(string)
		if !set[s] {
			set[s] = true
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	set := f.sets[key]
	var n int64
	for _, m := range members {
		s := m.(string)
		if set[s] {
			delete(set, s)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(f.sets[key][member.(string)])
	return cmd
}

func (f *fakeRedis) SCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.sets[key])))
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	var n int64
	for _, m := range members {
		s := m.Member.(string)
		if _, exists := z[s]; !exists {
			n++
		}
		z[s] = m.Score
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) zmembers(key string) []redis.Z {
	var out []redis.Z
	for m, score := range f.zsets[key] {
		out = append(out, redis.Z{Score: score, Member: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	var out []string
	for _, z := range f.zmembers(key) {
		if inRange(z.Score, opt) {
			out = append(out, z.Member.(string))
		}
		if opt.Count > 0 && int64(len(out)) >= opt.Count {
			break
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewZSliceCmd(ctx)
	var out []redis.Z
	for _, z := range f.zmembers(key) {
		if inRange(z.Score, opt) {
			out = append(out, z)
		}
	}
	cmd.SetVal(out)
	return cmd
}

func inRange(score float64, opt *redis.ZRangeBy) bool {
	if opt.Min != "-inf" {
		var min float64
		parseFloat(opt.Min, &min)
		if score < min {
			return false
		}
	}
	if opt.Max != "+inf" {
		var max float64
		parseFloat(opt.Max, &max)
		if score > max {
			return false
		}
	}
	return true
}

func parseFloat(s string, out *float64) {
	var v float64
	var sign float64 = 1
	i := 0
	if len(s) > 0 && s[0] == '-' {
		sign = -1
		i = 1
	}
	for ; i < len(s); i++ {
		if s[i] == '.' {
			continue
		}
		v = v*10 + float64(s[i]-'0')
	}
	*out = v * sign
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	z := f.zsets[key]
	var n int64
	for _, m := range members {
		s := m.(string)
		if _, ok := z[s]; ok {
			delete(z, s)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	z := f.zsets[key]
	opt := &redis.ZRangeBy{Min: min, Max: max}
	var n int64
	for m, score := range z {
		if inRange(score, opt) {
			delete(z, m)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.zsets[key])))
	return cmd
}

func (f *fakeRedis) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	var out []string
	prefix, suffix := splitGlob(pattern)
	for k := range f.hashes {
		out = appendIfMatch(out, k, prefix, suffix)
	}
	for k := range f.sets {
		out = appendIfMatch(out, k, prefix, suffix)
	}
	for k := range f.zsets {
		out = appendIfMatch(out, k, prefix, suffix)
	}
	cmd.SetVal(out)
	return cmd
}

// splitGlob handles the single "queue:*:<suffix>" pattern shape this
// package ever issues.
func splitGlob(pattern string) (prefix, suffix string) {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return pattern[:i], pattern[i+1:]
		}
	}
	return pattern, ""
}

func appendIfMatch(out []string, key, prefix, suffix string) []string {
	if len(key) < len(prefix)+len(suffix) {
		return out
	}
	if key[:len(prefix)] == prefix && key[len(key)-len(suffix):] == suffix {
		return append(out, key)
	}
	return out
}
