package redis

import "strings"

// keys names the lists backing one queue. Publishers push to the left of
// ready and consumers move from its right into unacked, so the right end
// is the head of the queue.
type keys struct {
	ready    string
	unacked  string
	rejected string
}

func queueKeys(prefix, queue, consumer string) keys {
	base := strings.Join([]string{prefix, "queue", queue}, "::")
	return keys{
		ready:    base + "::ready",
		unacked:  base + "::unacked::" + consumer,
		rejected: base + "::rejected",
	}
}
