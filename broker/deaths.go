package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderRepublishCount carries the death count across republishes since the
// broker's x-death history is stripped when a message is republished
const HeaderRepublishCount = "x-gamesched-deaths"

// DeathCount returns how many times the message has been dead lettered in total
func DeathCount(d amqp.Delivery) int64 {
	total := toInt64(d.Headers[HeaderRepublishCount])

	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok {
		return total
	}

	for _, v := range deaths {
		entry, ok := v.(amqp.Table)
		if !ok {
			continue
		}

		total += toInt64(entry["count"])
	}

	return total
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	}

	return 0
}
