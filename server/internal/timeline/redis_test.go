package timeline

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreContract(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storeContract(t, NewRedisStore(client, time.Minute))

	if ttl := mr.TTL("eduvision:timeline:s1"); ttl <= 0 {
		t.Fatalf("expected timeline key to carry a ttl, got %v", ttl)
	}
}
