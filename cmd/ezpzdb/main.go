package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fulldump/goconfig"
	"github.com/sirupsen/logrus"

	"github.com/xdevs23/ezpzdb/configuration"
	"github.com/xdevs23/ezpzdb/database"
	"github.com/xdevs23/ezpzdb/shutdown"
)

var VERSION = "dev"

var banner = `
 ___ _____ ___ _____ ___  ___
/ -_)_ /  '_ \/_ / _' / _ \
\___/___/ .__/___\__,_|___/
        /_/      version ` + VERSION + `
`

func main() {

	c := configuration.Default()
	goconfig.Read(&c)

	if c.Version {
		fmt.Println(VERSION)
		os.Exit(0)
	}
	if c.ShowBanner {
		fmt.Println(banner)
	}

	db, err := database.Open(database.Config{
		Dir:                  c.Dir,
		WritesToSave:         c.WritesToSave,
		DeltaTimeToSave:      time.Duration(c.DeltaTimeToSaveSeconds) * time.Second,
		FlushCheckInterval:   time.Duration(c.FlushCheckIntervalSeconds) * time.Second,
		CacheCollectInterval: time.Duration(c.CacheCollectIntervalSeconds) * time.Second,
	})
	if err != nil {
		logrus.WithError(err).Fatal("open database")
	}

	for _, name := range db.Tables() {
		logrus.WithField("table", name).Info("table ready")
	}

	coordinator := shutdown.NewCoordinator()
	coordinator.Register(db)
	coordinator.Notify(syscall.SIGTERM, syscall.SIGINT)

	logrus.WithField("dir", c.Dir).Info("ezpzdb running")
	<-coordinator.Done()
	logrus.Info("all handles flushed, exiting")
}
