// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "BirdFrame")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/birdframe.log")

	viper.SetDefault("realtime.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("realtime.mqtt.username", "")
	viper.SetDefault("realtime.mqtt.password", "")
	viper.SetDefault("realtime.mqtt.eventtopic", "frigate/events")
	viper.SetDefault("realtime.mqtt.audiotopic", "birdnet/detections")

	viper.SetDefault("realtime.frigate.url", "http://localhost:5000")
	viper.SetDefault("realtime.frigate.authtoken", "")
	viper.SetDefault("realtime.frigate.cameras", []string{})
	viper.SetDefault("realtime.frigate.trustsublabel", true)
	viper.SetDefault("realtime.frigate.sublabelfallback", true)
	viper.SetDefault("realtime.frigate.clipsenabled", true)

	viper.SetDefault("realtime.classifier.modelpath", "data/models/bird-classifier.tflite")
	viper.SetDefault("realtime.classifier.labelspath", "data/models/labels.txt")
	viper.SetDefault("realtime.classifier.threshold", 0.7)
	viper.SetDefault("realtime.classifier.minconfidence", 0.4)
	viper.SetDefault("realtime.classifier.blockedlabels", []string{"background"})
	viper.SetDefault("realtime.classifier.threads", 0)

	viper.SetDefault("realtime.audio.bufferhours", 2)
	viper.SetDefault("realtime.audio.correlationwindow", 300)
	viper.SetDefault("realtime.audio.confirmscore", 0.7)
	viper.SetDefault("realtime.audio.sensormap", map[string]string{})

	viper.SetDefault("realtime.videoanalysis.maxframes", 15)
	viper.SetDefault("realtime.videoanalysis.jobdeadline", 10*time.Minute)
	viper.SetDefault("realtime.videoanalysis.framedeadline", 10*time.Second)
	viper.SetDefault("realtime.videoanalysis.overridemanual", false)

	viper.SetDefault("realtime.mediacache.path", "data/media-cache")
	viper.SetDefault("realtime.mediacache.retentiondays", 30)
	viper.SetDefault("realtime.mediacache.maxusagemb", 4096)

	viper.SetDefault("realtime.weather.enabled", false)
	viper.SetDefault("realtime.weather.provider", "openweather")
	viper.SetDefault("realtime.weather.apikey", "")
	viper.SetDefault("realtime.weather.latitude", 0.000)
	viper.SetDefault("realtime.weather.longitude", 0.000)

	viper.SetDefault("realtime.taxonomy.enabled", false)
	viper.SetDefault("realtime.taxonomy.baseurl", "https://api.ebird.org/v2")
	viper.SetDefault("realtime.taxonomy.apikey", "")
	viper.SetDefault("realtime.taxonomy.cachettl", 24*time.Hour)

	viper.SetDefault("realtime.retentiondays", 30)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.guest.enabled", true)
	viper.SetDefault("webserver.guest.historydays", 7)
	viper.SetDefault("webserver.guest.allowedcameras", []string{})

	viper.SetDefault("security.passwordhash", "")
	viper.SetDefault("security.jwtsecret", "")
	viper.SetDefault("security.sessionttl", 24*time.Hour)
	viper.SetDefault("security.sharettl", 7*24*time.Hour)
	viper.SetDefault("security.trustedproxies", []string{})

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "data/birdframe.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "birdframe")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "birdframe")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
}
