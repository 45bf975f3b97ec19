package configuration

type Configuration struct {
	Dir                         string `usage:"data directory"`
	WritesToSave                int    `usage:"buffered writes that force a flush"`
	DeltaTimeToSaveSeconds      int    `usage:"max seconds between flushes while writes are pending"`
	FlushCheckIntervalSeconds   int    `usage:"seconds between flush trigger evaluations"`
	CacheCollectIntervalSeconds int    `usage:"seconds between cache decay passes"`
	Version                     bool   `usage:"show version and exit"`
	ShowBanner                  bool   `usage:"show big banner"`
}

func Default() Configuration {
	return Configuration{
		Dir:                         "data",
		WritesToSave:                200,
		DeltaTimeToSaveSeconds:      600,
		FlushCheckIntervalSeconds:   60,
		CacheCollectIntervalSeconds: 30,
		ShowBanner:                  true,
	}
}
