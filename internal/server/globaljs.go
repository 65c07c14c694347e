package server

import (
	"fmt"
	"net/http"
)

// handleGlobalJS serves the browser client for landing pages.
func (s *Server) handleGlobalJS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Determine server URL from request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write([]byte(GenerateGlobalScript(serverURL)))
}

// GenerateGlobalScript returns the abkit.js client bound to serverURL. It keeps
// one visitor id per browser in localStorage and exposes abkit.variant and
// abkit.track. Variants are always drawn by the server.
func GenerateGlobalScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S='%s';

  // Get or create visitor ID
  var vid=null;
  try{vid=localStorage.getItem('abkit_vid');}catch(e){}
  if(!vid){
    vid=crypto.randomUUID();
    try{localStorage.setItem('abkit_vid',vid);}catch(e){}
  }

  function variant(e){
    return fetch(S+'/api/assign?e='+encodeURIComponent(e)+'&vid='+encodeURIComponent(vid))
      .then(function(r){return r.ok?r.json():{in_experiment:false};})
      .then(function(d){return d.in_experiment?d.variant:null;})
      .catch(function(){return null;});
  }

  function track(e,n,m){
    var body=JSON.stringify({e:e,n:n,vid:vid,m:m||undefined});
    try{
      if(navigator.sendBeacon&&navigator.sendBeacon(S+'/b',new Blob([body],{type:'application/json'})))return;
    }catch(err){}
    fetch(S+'/b',{method:'POST',body:body,keepalive:true,headers:{'Content-Type':'application/json'}}).catch(function(){});
  }

  // Declarative use: <h1 data-abkit="hero">, <button data-abkit-convert="hero:signup">
  document.querySelectorAll('[data-abkit]').forEach(function(el){
    variant(el.dataset.abkit).then(function(v){
      if(v&&v.metadata&&typeof v.metadata.text==='string')el.textContent=v.metadata.text;
    });
  });
  document.querySelectorAll('[data-abkit-convert]').forEach(function(el){
    var parts=el.dataset.abkitConvert.split(':');
    el.addEventListener('click',function(){track(parts[0],parts[1]||'convert');});
  });

  window.abkit={visitorId:vid,variant:variant,track:track};
})();`, serverURL)
}
