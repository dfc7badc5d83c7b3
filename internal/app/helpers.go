package app

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("Offchat peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE device.")
	log.Info(" The peer folder holds its key, queue and config.")
	log.Info(" Different folder/config = different device.")
	log.Info("────────────────────────────────────────")
}
