package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRadarIDFromTopic(t *testing.T) {
	assert.Equal(t, "RADAR_1", radarIDFromTopic("radar/RADAR_1/frames"))
	assert.Equal(t, "loja-02", radarIDFromTopic("radar/loja-02/frames"))
	assert.Equal(t, "", radarIDFromTopic("radar/RADAR_1/status"))
	assert.Equal(t, "", radarIDFromTopic("sleepace/57136"))
	assert.Equal(t, "", radarIDFromTopic("radar/frames"))
}
